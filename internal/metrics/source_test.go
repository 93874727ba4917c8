package metrics

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(v float64) *float64 { return &v }

func TestMerge(t *testing.T) {
	t.Run("should prefer persisted values", func(t *testing.T) {
		persisted := &Record{VaR95: ptr(2.1), Volatility: ptr(14)}
		computed := &Record{VaR95: ptr(3.5), Volatility: ptr(18), Beta: ptr(1.1)}

		set := Merge(persisted, computed)

		v, ok := set.Value(FieldVaR95)
		require.True(t, ok)
		assert.Equal(t, 2.1, v)
		assert.Equal(t, OriginPersisted, set.Origin(FieldVaR95))

		v, ok = set.Value(FieldBeta)
		require.True(t, ok)
		assert.Equal(t, 1.1, v)
		assert.Equal(t, OriginComputed, set.Origin(FieldBeta))
	})

	t.Run("should mark fields absent from both as missing", func(t *testing.T) {
		set := Merge(&Record{VaR95: ptr(2)}, nil)

		_, ok := set.Value(FieldSharpeRatio)
		assert.False(t, ok)
		assert.Equal(t, OriginMissing, set.Origin(FieldSharpeRatio))
		assert.False(t, set.Complete())
		assert.Equal(t, []Field{FieldVolatility, FieldMaxDrawdown, FieldSharpeRatio, FieldBeta}, set.Missing())
	})

	t.Run("should handle both inputs nil", func(t *testing.T) {
		set := Merge(nil, nil)
		assert.False(t, set.Complete())
		assert.Len(t, set.Missing(), 5)
	})

	t.Run("should fall through non-finite persisted values", func(t *testing.T) {
		set := Merge(
			&Record{SortinoRatio: ptr(math.Inf(1)), Volatility: ptr(math.NaN())},
			&Record{SortinoRatio: ptr(1.4), Volatility: ptr(11)},
		)

		v, _ := set.Value(FieldSortinoRatio)
		assert.Equal(t, 1.4, v)
		v, _ = set.Value(FieldVolatility)
		assert.Equal(t, 11.0, v)
	})

	t.Run("should not alias the input records", func(t *testing.T) {
		persisted := &Record{VaR95: ptr(2)}
		set := Merge(persisted, nil)

		*persisted.VaR95 = 99

		v, _ := set.Value(FieldVaR95)
		assert.Equal(t, 2.0, v)
	})

	t.Run("should not require sortino for completeness", func(t *testing.T) {
		set := FromValues(1, 10, 5, 1.2, nil, 1)
		assert.True(t, set.Complete())
		_, ok := set.Value(FieldSortinoRatio)
		assert.False(t, ok)
	})
}

func TestZeroValueSetIsMissing(t *testing.T) {
	var set RiskMetricSet
	assert.Equal(t, OriginMissing, set.Origin(FieldBeta))
	assert.False(t, set.Complete())
}

func TestRecordDecoding(t *testing.T) {
	t.Run("should decode the provider payload", func(t *testing.T) {
		var r Record
		err := json.Unmarshal([]byte(`{"var95":1.78,"volatility":12,"sharpeRatio":1.3,"beta":0.95,"maxDrawdown":8,"sortinoRatio":null}`), &r)
		require.NoError(t, err)

		set := Merge(&r, nil)
		assert.True(t, set.Complete())
		_, ok := set.Value(FieldSortinoRatio)
		assert.False(t, ok)
	})

	t.Run("should convert back to a sparse record", func(t *testing.T) {
		set := Merge(&Record{VaR95: ptr(3), Beta: ptr(0.8)}, nil)
		r := set.Record()
		require.NotNil(t, r.VaR95)
		assert.Equal(t, 3.0, *r.VaR95)
		assert.Nil(t, r.Volatility)
	})
}
