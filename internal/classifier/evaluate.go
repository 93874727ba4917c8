package classifier

import (
	"github.com/terminal-bench/riskengine/internal/metrics"
	"github.com/terminal-bench/riskengine/internal/thresholds"
	"github.com/terminal-bench/riskengine/pkg/decimal"
)

type options struct {
	portfolioValue *decimal.Money
}

// Option configures EvaluateAll
type Option func(*options)

// WithPortfolioValue attaches dollar figures to percentage loss metrics
func WithPortfolioValue(value decimal.Money) Option {
	return func(o *options) {
		if value.IsPositive() {
			o.portfolioValue = &value
		}
	}
}

// EvaluateAll classifies every metric of the set in display order
func EvaluateAll(set metrics.RiskMetricSet, thr thresholds.ThresholdSet, opts ...Option) []Evaluation {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	thr = thr.Sanitized()

	evals := make([]Evaluation, 0, len(metrics.Fields))
	for _, f := range metrics.Fields {
		spec := specs[f]

		limit, ok := thr.Limit(f)
		if !ok {
			limit = BetaDeviationLimit
		}

		var current *float64
		if v, ok := set.Value(f); ok {
			current = &v
		}

		ev := Classify(spec, current, limit)
		ev.Overridden = thr.IsOverridden(f)
		if o.portfolioValue != nil && (f == metrics.FieldVaR95 || f == metrics.FieldMaxDrawdown) {
			attachAmounts(&ev, *o.portfolioValue)
		}
		evals = append(evals, ev)
	}
	return evals
}

func attachAmounts(ev *Evaluation, value decimal.Money) {
	limit := decimal.PercentOf(ev.ThresholdValue, value)
	ev.ThresholdAmount = &limit
	if ev.CurrentValue != nil {
		current := decimal.PercentOf(*ev.CurrentValue, value)
		ev.CurrentAmount = &current
	}
}

// Worst returns the most severe status among the evaluations
func Worst(evals []Evaluation) Status {
	worst := StatusUnavailable
	for _, ev := range evals {
		if ev.Status.Severity() > worst.Severity() {
			worst = ev.Status
		}
	}
	return worst
}
