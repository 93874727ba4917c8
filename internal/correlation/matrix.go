// Package correlation holds the reference-index correlation tables and derives
// portfolio-level correlation and diversification insights from them.
package correlation

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Window is a correlation lookback window
type Window string

const (
	Window1M Window = "1M"
	Window3M Window = "3M"
	Window6M Window = "6M"
	Window1Y Window = "1Y"
	Window3Y Window = "3Y"
)

// DefaultWindow is used when a caller does not pick one
const DefaultWindow = Window1Y

// Windows lists the supported windows from shortest to longest
var Windows = []Window{Window1M, Window3M, Window6M, Window1Y, Window3Y}

// ParseWindow accepts a window name case-insensitively
func ParseWindow(s string) (Window, bool) {
	w := Window(strings.ToUpper(strings.TrimSpace(s)))
	for _, candidate := range Windows {
		if candidate == w {
			return w, true
		}
	}
	return "", false
}

// Label is the human-readable window name
func (w Window) Label() string {
	switch w {
	case Window1M:
		return "1-month"
	case Window3M:
		return "3-month"
	case Window6M:
		return "6-month"
	case Window1Y:
		return "1-year"
	case Window3Y:
		return "3-year"
	}
	return string(w)
}

// Index is a named reference index
type Index struct {
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
}

// ReferenceIndices are the rows and columns of every built-in matrix.
// The first entry is the market benchmark.
var ReferenceIndices = []Index{
	{Symbol: "SPY", Name: "S&P 500"},
	{Symbol: "QQQ", Name: "Nasdaq 100"},
	{Symbol: "IWM", Name: "Russell 2000"},
	{Symbol: "EFA", Name: "MSCI EAFE"},
	{Symbol: "AGG", Name: "US Aggregate Bonds"},
	{Symbol: "GLD", Name: "Gold"},
}

var (
	ErrDimension  = errors.New("matrix dimension mismatch")
	ErrDiagonal   = errors.New("matrix diagonal must be 1")
	ErrAsymmetric = errors.New("matrix is not symmetric")
	ErrRange      = errors.New("matrix entry outside [-1, 1]")
)

// Matrix is a symmetric table of pairwise correlations for one window
type Matrix struct {
	Window  Window
	Indices []Index
	values  [][]float64
}

// NewMatrix validates and copies values into a Matrix
func NewMatrix(w Window, indices []Index, values [][]float64) (Matrix, error) {
	n := len(indices)
	if len(values) != n {
		return Matrix{}, fmt.Errorf("%w: %d rows for %d indices", ErrDimension, len(values), n)
	}
	cp := make([][]float64, n)
	for i := range values {
		if len(values[i]) != n {
			return Matrix{}, fmt.Errorf("%w: row %d has %d columns", ErrDimension, i, len(values[i]))
		}
		cp[i] = append([]float64(nil), values[i]...)
	}
	for i := 0; i < n; i++ {
		if cp[i][i] != 1 {
			return Matrix{}, fmt.Errorf("%w: [%d][%d] = %v", ErrDiagonal, i, i, cp[i][i])
		}
		for j := 0; j < n; j++ {
			v := cp[i][j]
			if math.IsNaN(v) || v < -1 || v > 1 {
				return Matrix{}, fmt.Errorf("%w: [%d][%d] = %v", ErrRange, i, j, v)
			}
			if v != cp[j][i] {
				return Matrix{}, fmt.Errorf("%w: [%d][%d] != [%d][%d]", ErrAsymmetric, i, j, j, i)
			}
		}
	}
	return Matrix{Window: w, Indices: append([]Index(nil), indices...), values: cp}, nil
}

// Size is the number of indices
func (m Matrix) Size() int {
	return len(m.Indices)
}

// At returns the correlation between indices i and j
func (m Matrix) At(i, j int) float64 {
	return m.values[i][j]
}

// IndexOf returns the row of a symbol
func (m Matrix) IndexOf(symbol string) (int, bool) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	for i, idx := range m.Indices {
		if idx.Symbol == symbol {
			return i, true
		}
	}
	return -1, false
}

// Lookup returns the correlation between two symbols
func (m Matrix) Lookup(a, b string) (float64, bool) {
	i, ok := m.IndexOf(a)
	if !ok {
		return 0, false
	}
	j, ok := m.IndexOf(b)
	if !ok {
		return 0, false
	}
	return m.At(i, j), true
}

// Values returns a copy of the table
func (m Matrix) Values() [][]float64 {
	out := make([][]float64, len(m.values))
	for i := range m.values {
		out[i] = append([]float64(nil), m.values[i]...)
	}
	return out
}

// HighestPair finds the largest off-diagonal entry; ties keep the first in
// row-major order.
func (m Matrix) HighestPair() (i, j int, v float64, ok bool) {
	for r := 0; r < m.Size(); r++ {
		for c := r + 1; c < m.Size(); c++ {
			if !ok || m.values[r][c] > v {
				i, j, v, ok = r, c, m.values[r][c], true
			}
		}
	}
	return i, j, v, ok
}

// MatrixFor returns the built-in matrix of a window
func MatrixFor(w Window) (Matrix, bool) {
	m, ok := builtin[w]
	return m, ok
}

var builtin = map[Window]Matrix{}

func init() {
	for w, upper := range upperTriangles {
		m, err := NewMatrix(w, ReferenceIndices, symmetric(len(ReferenceIndices), upper))
		if err != nil {
			panic(fmt.Sprintf("correlation: built-in %s matrix: %v", w, err))
		}
		builtin[w] = m
	}
}

// upperTriangles lists pairs (0,1), (0,2) ... (n-2,n-1) in row-major order
var upperTriangles = map[Window][]float64{
	//         QQQ   IWM   EFA    AGG   GLD | IWM   EFA    AGG   GLD | EFA    AGG   GLD |  AGG   GLD | GLD
	Window1M: {0.89, 0.78, 0.74, -0.21, 0.18, 0.71, 0.62, -0.25, 0.12, 0.66, -0.12, 0.15, -0.05, 0.31, 0.27},
	Window3M: {0.91, 0.81, 0.79, -0.08, 0.11, 0.74, 0.68, -0.04, 0.07, 0.70, 0.02, 0.12, 0.09, 0.25, 0.30},
	Window6M: {0.92, 0.83, 0.80, 0.05, 0.10, 0.75, 0.70, 0.06, 0.06, 0.71, 0.04, 0.10, 0.12, 0.22, 0.32},
	Window1Y: {0.93, 0.84, 0.82, 0.12, 0.08, 0.76, 0.71, 0.10, 0.05, 0.72, 0.06, 0.09, 0.15, 0.21, 0.34},
	Window3Y: {0.94, 0.86, 0.85, 0.28, 0.12, 0.79, 0.76, 0.25, 0.09, 0.78, 0.22, 0.10, 0.30, 0.18, 0.38},
}

func symmetric(n int, upper []float64) [][]float64 {
	out := make([][]float64, n)
	for i := range out {
		out[i] = make([]float64, n)
		out[i][i] = 1
	}
	k := 0
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if k < len(upper) {
				out[i][j] = upper[k]
				out[j][i] = upper[k]
			}
			k++
		}
	}
	return out
}
