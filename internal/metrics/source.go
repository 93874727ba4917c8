// Package metrics normalizes risk statistics from the persisted store and the
// VaR service into one canonical snapshot.
package metrics

import "math"

// Field names a risk statistic
type Field string

const (
	FieldVaR95        Field = "var95"
	FieldVolatility   Field = "volatility"
	FieldMaxDrawdown  Field = "maxDrawdown"
	FieldSharpeRatio  Field = "sharpeRatio"
	FieldSortinoRatio Field = "sortinoRatio"
	FieldBeta         Field = "beta"
)

// Fields lists every statistic in display order
var Fields = []Field{
	FieldVaR95,
	FieldVolatility,
	FieldMaxDrawdown,
	FieldSharpeRatio,
	FieldSortinoRatio,
	FieldBeta,
}

// Required reports whether a score can be computed without the field
func (f Field) Required() bool {
	return f != FieldSortinoRatio
}

// Origin tells where a resolved value came from
type Origin string

const (
	OriginPersisted Origin = "persisted"
	OriginComputed  Origin = "computed"
	OriginMissing   Origin = "missing"
)

// Record is a sparse metrics record as delivered by a provider
type Record struct {
	VaR95        *float64 `json:"var95,omitempty"`
	Volatility   *float64 `json:"volatility,omitempty"`
	MaxDrawdown  *float64 `json:"maxDrawdown,omitempty"`
	SharpeRatio  *float64 `json:"sharpeRatio,omitempty"`
	SortinoRatio *float64 `json:"sortinoRatio,omitempty"`
	Beta         *float64 `json:"beta,omitempty"`
}

// Get returns the value of field f, nil when absent
func (r *Record) Get(f Field) *float64 {
	if r == nil {
		return nil
	}
	switch f {
	case FieldVaR95:
		return r.VaR95
	case FieldVolatility:
		return r.Volatility
	case FieldMaxDrawdown:
		return r.MaxDrawdown
	case FieldSharpeRatio:
		return r.SharpeRatio
	case FieldSortinoRatio:
		return r.SortinoRatio
	case FieldBeta:
		return r.Beta
	}
	return nil
}

// RiskMetricSet is the canonical snapshot for one portfolio at one point in time.
// It is a value type and never shares storage with the records it was built from.
type RiskMetricSet struct {
	values  [6]float64
	origins [6]Origin
}

// Merge resolves each field from persisted first, then computed.
// Non-finite values are treated as absent.
func Merge(persisted, computed *Record) RiskMetricSet {
	var set RiskMetricSet
	for i, f := range Fields {
		switch {
		case usable(persisted.Get(f)):
			set.values[i] = *persisted.Get(f)
			set.origins[i] = OriginPersisted
		case usable(computed.Get(f)):
			set.values[i] = *computed.Get(f)
			set.origins[i] = OriginComputed
		default:
			set.origins[i] = OriginMissing
		}
	}
	return set
}

// FromValues builds a complete set from plain values; sortino may be nil.
func FromValues(var95, volatility, maxDrawdown, sharpe float64, sortino *float64, beta float64) RiskMetricSet {
	return Merge(&Record{
		VaR95:        &var95,
		Volatility:   &volatility,
		MaxDrawdown:  &maxDrawdown,
		SharpeRatio:  &sharpe,
		SortinoRatio: sortino,
		Beta:         &beta,
	}, nil)
}

// Value returns the resolved value and whether it is present
func (s RiskMetricSet) Value(f Field) (float64, bool) {
	i := index(f)
	if i < 0 || s.origin(i) == OriginMissing {
		return 0, false
	}
	return s.values[i], true
}

// Origin returns where the field's value came from
func (s RiskMetricSet) Origin(f Field) Origin {
	i := index(f)
	if i < 0 {
		return OriginMissing
	}
	return s.origin(i)
}

// Missing lists required fields that did not resolve
func (s RiskMetricSet) Missing() []Field {
	var missing []Field
	for i, f := range Fields {
		if f.Required() && s.origin(i) == OriginMissing {
			missing = append(missing, f)
		}
	}
	return missing
}

// Complete reports whether every required field resolved
func (s RiskMetricSet) Complete() bool {
	return len(s.Missing()) == 0
}

// Record converts the set back into a sparse record, e.g. for publishing
func (s RiskMetricSet) Record() Record {
	var r Record
	for _, f := range Fields {
		v, ok := s.Value(f)
		if !ok {
			continue
		}
		switch f {
		case FieldVaR95:
			r.VaR95 = &v
		case FieldVolatility:
			r.Volatility = &v
		case FieldMaxDrawdown:
			r.MaxDrawdown = &v
		case FieldSharpeRatio:
			r.SharpeRatio = &v
		case FieldSortinoRatio:
			r.SortinoRatio = &v
		case FieldBeta:
			r.Beta = &v
		}
	}
	return r
}

// zero value of RiskMetricSet has empty origins; treat those as missing
func (s RiskMetricSet) origin(i int) Origin {
	if s.origins[i] == "" {
		return OriginMissing
	}
	return s.origins[i]
}

func index(f Field) int {
	for i, candidate := range Fields {
		if candidate == f {
			return i
		}
	}
	return -1
}

func usable(v *float64) bool {
	return v != nil && !math.IsNaN(*v) && !math.IsInf(*v, 0)
}
