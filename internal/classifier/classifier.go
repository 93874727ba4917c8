// Package classifier maps each metric's current value against its effective
// threshold to a status and a saturating usage percentage for display.
package classifier

import (
	"math"

	"github.com/terminal-bench/riskengine/internal/metrics"
	"github.com/terminal-bench/riskengine/internal/thresholds"
	"github.com/terminal-bench/riskengine/pkg/decimal"
)

// Status of a metric relative to its threshold
type Status string

const (
	StatusSafe        Status = "safe"
	StatusWarning     Status = "warning"
	StatusDanger      Status = "danger"
	StatusUnavailable Status = "unavailable"
)

// Severity orders statuses; unavailable ranks below safe
func (s Status) Severity() int {
	switch s {
	case StatusDanger:
		return 3
	case StatusWarning:
		return 2
	case StatusSafe:
		return 1
	}
	return 0
}

// Family groups metrics that share a classification rule
type Family int

const (
	// FamilyLoss covers loss/dispersion metrics where lower is better
	FamilyLoss Family = iota
	// FamilyMinimum covers ratios that must stay above a minimum
	FamilyMinimum
	// FamilyDeviation covers metrics judged by distance from a target
	FamilyDeviation
)

// Spec describes how one metric is classified and presented
type Spec struct {
	Metric      metrics.Field
	Name        string
	Unit        string
	Description string
	Family      Family
	// WarningFraction of the limit above which a loss metric is a warning
	WarningFraction float64
}

// BetaDeviationLimit is the distance from 1.0 at which beta is a danger
const BetaDeviationLimit = 0.5

// betaWarningDeviation is half of BetaDeviationLimit
const betaWarningDeviation = 0.25

var specs = map[metrics.Field]Spec{
	metrics.FieldVaR95: {
		Metric: metrics.FieldVaR95, Name: "Value at Risk (95%)", Unit: "%", Family: FamilyLoss, WarningFraction: 0.6,
		Description: "Maximum expected daily loss at 95% confidence",
	},
	metrics.FieldVolatility: {
		Metric: metrics.FieldVolatility, Name: "Volatility", Unit: "%", Family: FamilyLoss, WarningFraction: 0.75,
		Description: "Annualized standard deviation of portfolio returns",
	},
	metrics.FieldMaxDrawdown: {
		Metric: metrics.FieldMaxDrawdown, Name: "Max Drawdown", Unit: "%", Family: FamilyLoss, WarningFraction: 0.66,
		Description: "Largest peak-to-trough decline over the lookback period",
	},
	metrics.FieldSharpeRatio: {
		Metric: metrics.FieldSharpeRatio, Name: "Sharpe Ratio", Unit: "ratio", Family: FamilyMinimum,
		Description: "Excess return per unit of total volatility",
	},
	metrics.FieldSortinoRatio: {
		Metric: metrics.FieldSortinoRatio, Name: "Sortino Ratio", Unit: "ratio", Family: FamilyMinimum,
		Description: "Excess return per unit of downside deviation",
	},
	metrics.FieldBeta: {
		Metric: metrics.FieldBeta, Name: "Beta", Unit: "x", Family: FamilyDeviation,
		Description: "Sensitivity of portfolio returns to the market benchmark",
	},
}

// SpecFor returns the classification spec of a metric
func SpecFor(f metrics.Field) (Spec, bool) {
	s, ok := specs[f]
	return s, ok
}

// Evaluation is the per-metric display and classification record
type Evaluation struct {
	Metric          metrics.Field  `json:"metric"`
	Name            string         `json:"metricName"`
	CurrentValue    *float64       `json:"currentValue"`
	ThresholdValue  float64        `json:"thresholdValue"`
	Unit            string         `json:"unit"`
	Status          Status         `json:"status"`
	UsagePercent    float64        `json:"usagePercent"`
	Description     string         `json:"description"`
	Overridden      bool           `json:"overridden"`
	CurrentAmount   *decimal.Money `json:"currentAmount,omitempty"`
	ThresholdAmount *decimal.Money `json:"thresholdAmount,omitempty"`
}

// Classify evaluates one metric. A nil or non-finite current value, or an
// unusable limit, yields StatusUnavailable.
func Classify(spec Spec, current *float64, limit float64) Evaluation {
	ev := Evaluation{
		Metric:         spec.Metric,
		Name:           spec.Name,
		ThresholdValue: limit,
		Unit:           spec.Unit,
		Description:    spec.Description,
		Status:         StatusUnavailable,
	}
	if current == nil || math.IsNaN(*current) || math.IsInf(*current, 0) || !thresholds.Valid(limit) {
		return ev
	}
	v := *current
	ev.CurrentValue = &v

	switch spec.Family {
	case FamilyLoss:
		ev.Status = lossStatus(v, limit, spec.WarningFraction)
		ev.UsagePercent = usage(v / limit)
	case FamilyMinimum:
		ev.Status = minimumStatus(v, limit)
		if v >= limit {
			ev.UsagePercent = 100
		} else {
			ev.UsagePercent = usage(v / limit)
		}
	case FamilyDeviation:
		dev := math.Abs(v - 1.0)
		ev.Status = deviationStatus(dev, limit)
		ev.UsagePercent = usage(dev / limit)
	}
	return ev
}

func lossStatus(current, limit, fraction float64) Status {
	switch {
	case current > limit:
		return StatusDanger
	case current > limit*fraction:
		return StatusWarning
	default:
		return StatusSafe
	}
}

func minimumStatus(current, minimum float64) Status {
	switch {
	case current < math.Min(0.5, minimum*0.5):
		return StatusDanger
	case current < minimum:
		return StatusWarning
	default:
		return StatusSafe
	}
}

func deviationStatus(dev, limit float64) Status {
	switch {
	case dev >= limit:
		return StatusDanger
	case dev >= limit*betaWarningDeviation/BetaDeviationLimit:
		return StatusWarning
	default:
		return StatusSafe
	}
}

// usage converts a fill ratio to a percentage saturating at [0,100]
func usage(ratio float64) float64 {
	if math.IsNaN(ratio) {
		return 0
	}
	return math.Max(0, math.Min(100, ratio*100))
}
