package correlation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinMatrices(t *testing.T) {
	for _, w := range Windows {
		w := w
		t.Run("should be a valid correlation matrix for "+string(w), func(t *testing.T) {
			m, ok := MatrixFor(w)
			require.True(t, ok)
			require.Equal(t, len(ReferenceIndices), m.Size())

			for i := 0; i < m.Size(); i++ {
				assert.Equal(t, 1.0, m.At(i, i))
				for j := 0; j < m.Size(); j++ {
					assert.Equal(t, m.At(i, j), m.At(j, i), "[%d][%d]", i, j)
					assert.GreaterOrEqual(t, m.At(i, j), -1.0)
					assert.LessOrEqual(t, m.At(i, j), 1.0)
				}
			}
		})
	}

	t.Run("should return identical values across the diagonal for 1Y", func(t *testing.T) {
		m, _ := MatrixFor(Window1Y)
		assert.Equal(t, m.At(0, 1), m.At(1, 0))
		assert.Equal(t, 0.93, m.At(0, 1))
	})

	t.Run("should not expose internal storage", func(t *testing.T) {
		m, _ := MatrixFor(Window1Y)
		v := m.Values()
		v[0][1] = -1
		assert.Equal(t, 0.93, m.At(0, 1))
	})
}

func TestNewMatrix(t *testing.T) {
	idx := []Index{{Symbol: "A"}, {Symbol: "B"}}

	t.Run("should accept a valid matrix", func(t *testing.T) {
		m, err := NewMatrix(Window1M, idx, [][]float64{{1, 0.4}, {0.4, 1}})
		require.NoError(t, err)
		v, ok := m.Lookup("a", "B")
		require.True(t, ok)
		assert.Equal(t, 0.4, v)
	})

	t.Run("should reject bad shapes and values", func(t *testing.T) {
		_, err := NewMatrix(Window1M, idx, [][]float64{{1, 0.4}})
		assert.ErrorIs(t, err, ErrDimension)

		_, err = NewMatrix(Window1M, idx, [][]float64{{1, 0.4}, {0.3, 1}})
		assert.ErrorIs(t, err, ErrAsymmetric)

		_, err = NewMatrix(Window1M, idx, [][]float64{{0.9, 0.4}, {0.4, 1}})
		assert.ErrorIs(t, err, ErrDiagonal)

		_, err = NewMatrix(Window1M, idx, [][]float64{{1, 1.4}, {1.4, 1}})
		assert.ErrorIs(t, err, ErrRange)
	})
}

func TestHighestPair(t *testing.T) {
	t.Run("should find the largest off-diagonal entry", func(t *testing.T) {
		m, _ := MatrixFor(Window3Y)
		i, j, v, ok := m.HighestPair()
		require.True(t, ok)
		assert.Equal(t, 0, i)
		assert.Equal(t, 1, j)
		assert.Equal(t, 0.94, v)
	})

	t.Run("should keep the first pair on ties", func(t *testing.T) {
		idx := []Index{{Symbol: "A"}, {Symbol: "B"}, {Symbol: "C"}}
		m, err := NewMatrix(Window1M, idx, [][]float64{
			{1, 0.5, 0.9},
			{0.5, 1, 0.9},
			{0.9, 0.9, 1},
		})
		require.NoError(t, err)

		i, j, _, _ := m.HighestPair()
		assert.Equal(t, 0, i)
		assert.Equal(t, 2, j)
	})

	t.Run("should report nothing for a single index", func(t *testing.T) {
		m, err := NewMatrix(Window1M, []Index{{Symbol: "A"}}, [][]float64{{1}})
		require.NoError(t, err)
		_, _, _, ok := m.HighestPair()
		assert.False(t, ok)
	})
}

func TestParseWindow(t *testing.T) {
	w, ok := ParseWindow(" 1y ")
	assert.True(t, ok)
	assert.Equal(t, Window1Y, w)

	_, ok = ParseWindow("5Y")
	assert.False(t, ok)
}

func TestInterpret(t *testing.T) {
	cases := []struct {
		value float64
		want  string
	}{
		{1.0, "very strong positive correlation"},
		{0.9, "very strong positive correlation"},
		{0.75, "strong positive correlation"},
		{0.5, "moderate positive correlation"},
		{0.3, "weak positive correlation"},
		{0.1, "very weak positive correlation"},
		{0.05, "no meaningful correlation"},
		{0, "no meaningful correlation"},
		{-0.05, "no meaningful correlation"},
		{-0.1, "very weak negative correlation"},
		{-0.3, "weak negative correlation"},
		{-0.6, "moderate negative correlation"},
		{-0.8, "strong negative correlation"},
		{-0.9, "very strong negative correlation"},
		{-1.0, "very strong negative correlation"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Interpret(tc.value), "value %v", tc.value)
	}
}
