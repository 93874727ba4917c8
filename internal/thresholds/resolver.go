// Package thresholds merges a portfolio's risk-profile overrides with the
// built-in limits.
package thresholds

import (
	"math"

	"github.com/terminal-bench/riskengine/internal/metrics"
)

// Built-in limits, used whenever a portfolio has no usable override
const (
	DefaultVaR95Limit       = 5.0
	DefaultVolatilityLimit  = 20.0
	DefaultMaxDrawdownLimit = 15.0
	DefaultSharpeMin        = 1.0
	DefaultSortinoMin       = 1.0
)

// Overrides is the sparse override record attached to a risk profile
type Overrides struct {
	VaR95Limit       *float64 `json:"var_95_limit,omitempty"`
	VolatilityLimit  *float64 `json:"volatility_limit,omitempty"`
	MaxDrawdownLimit *float64 `json:"max_drawdown_limit,omitempty"`
	SharpeMin        *float64 `json:"sharpe_min,omitempty"`
	SortinoMin       *float64 `json:"sortino_min,omitempty"`
}

// IsEmpty reports whether no field is set
func (o *Overrides) IsEmpty() bool {
	return o == nil || (o.VaR95Limit == nil && o.VolatilityLimit == nil &&
		o.MaxDrawdownLimit == nil && o.SharpeMin == nil && o.SortinoMin == nil)
}

// ThresholdSet holds the effective limits for one portfolio
type ThresholdSet struct {
	VaR95Limit       float64 `json:"var_95_limit"`
	VolatilityLimit  float64 `json:"volatility_limit"`
	MaxDrawdownLimit float64 `json:"max_drawdown_limit"`
	SharpeMin        float64 `json:"sharpe_min"`
	SortinoMin       float64 `json:"sortino_min"`

	overridden uint8
}

// Defaults returns the built-in threshold set
func Defaults() ThresholdSet {
	return ThresholdSet{
		VaR95Limit:       DefaultVaR95Limit,
		VolatilityLimit:  DefaultVolatilityLimit,
		MaxDrawdownLimit: DefaultMaxDrawdownLimit,
		SharpeMin:        DefaultSharpeMin,
		SortinoMin:       DefaultSortinoMin,
	}
}

// Resolve merges overrides over the defaults field by field.
// A malformed override (non-finite or not positive) keeps the default.
func Resolve(o *Overrides) ThresholdSet {
	set := Defaults()
	if o == nil {
		return set
	}
	set.apply(metrics.FieldVaR95, o.VaR95Limit, &set.VaR95Limit)
	set.apply(metrics.FieldVolatility, o.VolatilityLimit, &set.VolatilityLimit)
	set.apply(metrics.FieldMaxDrawdown, o.MaxDrawdownLimit, &set.MaxDrawdownLimit)
	set.apply(metrics.FieldSharpeRatio, o.SharpeMin, &set.SharpeMin)
	set.apply(metrics.FieldSortinoRatio, o.SortinoMin, &set.SortinoMin)
	return set
}

// Sanitized replaces unusable limits with their defaults
func (s ThresholdSet) Sanitized() ThresholdSet {
	d := Defaults()
	fix := func(f metrics.Field, v *float64, def float64) {
		if !Valid(*v) {
			*v = def
			s.overridden &^= bit(f)
		}
	}
	fix(metrics.FieldVaR95, &s.VaR95Limit, d.VaR95Limit)
	fix(metrics.FieldVolatility, &s.VolatilityLimit, d.VolatilityLimit)
	fix(metrics.FieldMaxDrawdown, &s.MaxDrawdownLimit, d.MaxDrawdownLimit)
	fix(metrics.FieldSharpeRatio, &s.SharpeMin, d.SharpeMin)
	fix(metrics.FieldSortinoRatio, &s.SortinoMin, d.SortinoMin)
	return s
}

// Limit returns the threshold for a metric; beta has none.
func (s ThresholdSet) Limit(f metrics.Field) (float64, bool) {
	switch f {
	case metrics.FieldVaR95:
		return s.VaR95Limit, true
	case metrics.FieldVolatility:
		return s.VolatilityLimit, true
	case metrics.FieldMaxDrawdown:
		return s.MaxDrawdownLimit, true
	case metrics.FieldSharpeRatio:
		return s.SharpeMin, true
	case metrics.FieldSortinoRatio:
		return s.SortinoMin, true
	}
	return 0, false
}

// IsOverridden reports whether the field's limit came from a user override
func (s ThresholdSet) IsOverridden(f metrics.Field) bool {
	return s.overridden&bit(f) != 0
}

// Overrides returns the user-set fields as a sparse record
func (s ThresholdSet) Overrides() Overrides {
	var o Overrides
	pick := func(f metrics.Field, v float64) *float64 {
		if !s.IsOverridden(f) {
			return nil
		}
		return &v
	}
	o.VaR95Limit = pick(metrics.FieldVaR95, s.VaR95Limit)
	o.VolatilityLimit = pick(metrics.FieldVolatility, s.VolatilityLimit)
	o.MaxDrawdownLimit = pick(metrics.FieldMaxDrawdown, s.MaxDrawdownLimit)
	o.SharpeMin = pick(metrics.FieldSharpeRatio, s.SharpeMin)
	o.SortinoMin = pick(metrics.FieldSortinoRatio, s.SortinoMin)
	return o
}

// Valid reports whether v can serve as a limit
func Valid(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}

func (s *ThresholdSet) apply(f metrics.Field, override *float64, dst *float64) {
	if override == nil || !Valid(*override) {
		return
	}
	*dst = *override
	s.overridden |= bit(f)
}

func bit(f metrics.Field) uint8 {
	for i, candidate := range metrics.Fields {
		if candidate == f {
			return 1 << uint(i)
		}
	}
	return 0
}
