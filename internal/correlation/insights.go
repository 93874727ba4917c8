package correlation

import (
	"fmt"
	"sort"
)

// Insight cut-offs
const (
	HighPairThreshold       = 0.85
	PoorDiversificationMean = 0.8
	GoodDiversificationMean = 0.5
)

var windowRemarks = map[Window]string{
	Window1M: "One-month correlations rest on roughly 21 trading days and are noisy; treat sudden shifts with caution.",
	Window3M: "Three-month correlations reflect the current market regime but can still swing on short-lived events.",
	Window6M: "Six-month correlations balance responsiveness to recent moves with statistical stability.",
	Window1Y: "One-year correlations smooth out short-term noise across a full cycle of earnings seasons.",
	Window3Y: "Three-year correlations reflect structural relationships between asset classes that change slowly.",
}

// GenerateInsights returns, in this order: the highest-correlated index pair
// when above HighPairThreshold, a diversification note when the mean
// portfolio correlation is above PoorDiversificationMean or below
// GoodDiversificationMean, and one remark about the window.
func GenerateInsights(m Matrix, byPortfolio map[string]float64, w Window) []string {
	var insights []string

	if i, j, v, ok := m.HighestPair(); ok && v > HighPairThreshold {
		insights = append(insights, fmt.Sprintf(
			"%s and %s show %s (%.2f) over the %s window; holding both adds little diversification.",
			m.Indices[i].Name, m.Indices[j].Name, Interpret(v), v, w.Label()))
	}

	if mean, ok := meanOf(byPortfolio); ok {
		switch {
		case mean > PoorDiversificationMean:
			insights = append(insights, fmt.Sprintf(
				"Average portfolio correlation to the market is %.2f; holdings tend to move together, so diversification is limited.", mean))
		case mean < GoodDiversificationMean:
			insights = append(insights, fmt.Sprintf(
				"Average portfolio correlation to the market is %.2f; holdings provide meaningful diversification.", mean))
		}
	}

	if remark, ok := windowRemarks[w]; ok {
		insights = append(insights, remark)
	}
	return insights
}

// meanOf sums in key order so the result does not depend on map iteration
func meanOf(values map[string]float64) (float64, bool) {
	if len(values) == 0 {
		return 0, false
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sum float64
	for _, k := range keys {
		sum += values[k]
	}
	return sum / float64(len(values)), true
}
