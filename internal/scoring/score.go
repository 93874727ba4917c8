// Package scoring computes the 0-100 resilience score from a canonical metric
// set and its effective thresholds.
//
// Each metric is normalized to a [0,1] component: "lower is better" metrics as
// 1 - value/limit, "higher is better" ratios as value/minimum, and beta by its
// distance from 1.0. Components are weighted and summed; weights total 100.
package scoring

import (
	"math"

	"github.com/terminal-bench/riskengine/internal/metrics"
	"github.com/terminal-bench/riskengine/internal/thresholds"
)

// Component weights
const (
	WeightVaR95       = 25.0
	WeightVolatility  = 15.0
	WeightMaxDrawdown = 20.0
	WeightSharpe      = 20.0
	WeightSortino     = 10.0
	WeightBeta        = 10.0
)

const (
	// NeutralSortino is the component credited when no Sortino ratio is known
	NeutralSortino = 0.5
	// BetaTarget earns full credit
	BetaTarget = 1.0
	// BetaTolerance is the distance from BetaTarget that earns zero credit
	BetaTolerance = 0.5
)

// Level buckets a score for display
type Level string

const (
	LevelExcellent  Level = "Excellent"
	LevelGood       Level = "Good"
	LevelModerate   Level = "Moderate"
	LevelConcerning Level = "Concerning"
	LevelHighRisk   Level = "High Risk"
)

// LevelFor maps a score to its level using cut points 80, 65, 50 and 35
func LevelFor(score int) Level {
	switch {
	case score >= 80:
		return LevelExcellent
	case score >= 65:
		return LevelGood
	case score >= 50:
		return LevelModerate
	case score >= 35:
		return LevelConcerning
	default:
		return LevelHighRisk
	}
}

// Description is a one-line explanation shown next to the level
func (l Level) Description() string {
	switch l {
	case LevelExcellent:
		return "Portfolio is well within its risk limits across the board."
	case LevelGood:
		return "Portfolio risk is under control with minor areas to watch."
	case LevelModerate:
		return "Several metrics are approaching their limits."
	case LevelConcerning:
		return "Risk metrics are stretched; consider reducing exposure."
	default:
		return "Portfolio is outside its risk tolerance on multiple metrics."
	}
}

// Component is one metric's contribution to the score
type Component struct {
	Metric       metrics.Field `json:"metric"`
	Value        float64       `json:"value"`
	Weight       float64       `json:"weight"`
	Contribution float64       `json:"contribution"`
}

// Result is the composite resilience score
type Result struct {
	Score      int             `json:"score"`
	Level      Level           `json:"level"`
	Complete   bool            `json:"complete"`
	Missing    []metrics.Field `json:"missing,omitempty"`
	Components []Component     `json:"components,omitempty"`
}

// Score returns the resilience score; it is 0 whenever a required metric is missing.
func Score(set metrics.RiskMetricSet, thr thresholds.ThresholdSet) int {
	return Evaluate(set, thr).Score
}

// ScoreWithDefaults scores against the built-in thresholds only
func ScoreWithDefaults(set metrics.RiskMetricSet) int {
	return Score(set, thresholds.Defaults())
}

// Evaluate computes the score together with its breakdown
func Evaluate(set metrics.RiskMetricSet, thr thresholds.ThresholdSet) Result {
	if missing := set.Missing(); len(missing) > 0 {
		return Result{Score: 0, Level: LevelFor(0), Missing: missing}
	}
	thr = thr.Sanitized()

	var95, _ := set.Value(metrics.FieldVaR95)
	vol, _ := set.Value(metrics.FieldVolatility)
	dd, _ := set.Value(metrics.FieldMaxDrawdown)
	sharpe, _ := set.Value(metrics.FieldSharpeRatio)
	beta, _ := set.Value(metrics.FieldBeta)

	sortino := NeutralSortino
	if v, ok := set.Value(metrics.FieldSortinoRatio); ok {
		sortino = clamp01(v / thr.SortinoMin)
	}

	components := []Component{
		{Metric: metrics.FieldVaR95, Value: clamp01(1 - var95/thr.VaR95Limit), Weight: WeightVaR95},
		{Metric: metrics.FieldVolatility, Value: clamp01(1 - vol/thr.VolatilityLimit), Weight: WeightVolatility},
		{Metric: metrics.FieldMaxDrawdown, Value: clamp01(1 - dd/thr.MaxDrawdownLimit), Weight: WeightMaxDrawdown},
		{Metric: metrics.FieldSharpeRatio, Value: clamp01(sharpe / thr.SharpeMin), Weight: WeightSharpe},
		{Metric: metrics.FieldSortinoRatio, Value: sortino, Weight: WeightSortino},
		{Metric: metrics.FieldBeta, Value: clamp01(1 - math.Abs(beta-BetaTarget)/BetaTolerance), Weight: WeightBeta},
	}

	var sum float64
	for i := range components {
		components[i].Contribution = components[i].Value * components[i].Weight
		sum += components[i].Contribution
	}

	score := int(math.Round(clamp01(sum/100) * 100))
	return Result{
		Score:      score,
		Level:      LevelFor(score),
		Complete:   true,
		Components: components,
	}
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
