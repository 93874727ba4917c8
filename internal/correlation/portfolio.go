package correlation

import (
	"math"
	"strings"
)

// DefaultPortfolioCorrelation is returned for portfolios with nothing to weigh
const DefaultPortfolioCorrelation = 0.65

// Asset is one holding as seen by the analyzer
type Asset struct {
	Symbol      string  `json:"symbol"`
	AssetClass  string  `json:"assetClass,omitempty"`
	Sector      string  `json:"sector,omitempty"`
	Quantity    float64 `json:"quantity"`
	Price       float64 `json:"price"`
	MarketValue float64 `json:"marketValue,omitempty"`
}

// Value is the market value used as the asset's weight
func (a Asset) Value() float64 {
	v := a.MarketValue
	if v <= 0 {
		v = a.Quantity * a.Price
	}
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return 0
	}
	return v
}

// Portfolio groups assets under an id
type Portfolio struct {
	ID     string  `json:"id"`
	Name   string  `json:"name,omitempty"`
	Assets []Asset `json:"assets"`
}

// symbolEstimates are correlation-to-market estimates for widely held names
var symbolEstimates = map[string]float64{
	"VOO":     1.00,
	"IVV":     1.00,
	"VTI":     0.99,
	"BRK.B":   0.85,
	"VEA":     0.82,
	"MSFT":    0.80,
	"AAPL":    0.78,
	"GOOGL":   0.76,
	"GOOG":    0.76,
	"AMZN":    0.74,
	"JPM":     0.74,
	"NVDA":    0.72,
	"META":    0.70,
	"TSLA":    0.58,
	"XOM":     0.55,
	"JNJ":     0.52,
	"PG":      0.50,
	"ETH-USD": 0.38,
	"BTC-USD": 0.35,
	"BND":     0.10,
	"TLT":     -0.15,
}

var sectorEstimates = map[string]float64{
	"technology":             0.82,
	"consumer discretionary": 0.80,
	"industrials":            0.80,
	"financials":             0.78,
	"communication services": 0.75,
	"materials":              0.72,
	"healthcare":             0.65,
	"real estate":            0.62,
	"energy":                 0.58,
	"consumer staples":       0.55,
	"utilities":              0.45,
}

var assetClassEstimates = map[string]float64{
	"etf":            0.85,
	"fund":           0.80,
	"mutual fund":    0.80,
	"equity":         0.75,
	"stock":          0.75,
	"reit":           0.62,
	"crypto":         0.35,
	"cryptocurrency": 0.35,
	"commodity":      0.15,
	"bond":           0.10,
	"fixed income":   0.10,
	"cash":           0.00,
}

// EstimateAsset returns the asset's correlation to the market benchmark
// (the first reference index) for the matrix's window. Reference indices are
// read from the matrix; other symbols fall back to a symbol table, then the
// sector, then the asset class.
func EstimateAsset(a Asset, m Matrix) float64 {
	if i, ok := m.IndexOf(a.Symbol); ok {
		return m.At(i, 0)
	}
	if v, ok := symbolEstimates[strings.ToUpper(strings.TrimSpace(a.Symbol))]; ok {
		return v
	}
	if v, ok := sectorEstimates[normalize(a.Sector)]; ok {
		return v
	}
	if v, ok := assetClassEstimates[normalize(a.AssetClass)]; ok {
		return v
	}
	return DefaultPortfolioCorrelation
}

// ComputePortfolioCorrelation is the market-value-weighted average of the
// per-asset estimates, in [-1, 1].
func ComputePortfolioCorrelation(p Portfolio, w Window) float64 {
	m, ok := MatrixFor(w)
	if !ok {
		m, _ = MatrixFor(DefaultWindow)
	}
	var weighted, total float64
	for _, a := range p.Assets {
		v := a.Value()
		if v == 0 {
			continue
		}
		weighted += v * EstimateAsset(a, m)
		total += v
	}
	if total == 0 {
		return DefaultPortfolioCorrelation
	}
	return math.Max(-1, math.Min(1, weighted/total))
}

// ComputeAll maps each portfolio id to its correlation
func ComputeAll(portfolios []Portfolio, w Window) map[string]float64 {
	out := make(map[string]float64, len(portfolios))
	for _, p := range portfolios {
		out[p.ID] = ComputePortfolioCorrelation(p, w)
	}
	return out
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Join(strings.Fields(strings.ReplaceAll(s, "_", " ")), " ")
}
