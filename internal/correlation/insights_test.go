package correlation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateInsights(t *testing.T) {
	m1y, _ := MatrixFor(Window1Y)

	t.Run("should report the pair, poor diversification and the window in order", func(t *testing.T) {
		insights := GenerateInsights(m1y, map[string]float64{"a": 0.9, "b": 0.85}, Window1Y)

		require.Len(t, insights, 3)
		assert.Contains(t, insights[0], "S&P 500 and Nasdaq 100")
		assert.Contains(t, insights[0], "0.93")
		assert.Contains(t, insights[0], "very strong positive correlation")
		assert.Contains(t, insights[1], "diversification is limited")
		assert.Equal(t, windowRemarks[Window1Y], insights[2])
	})

	t.Run("should praise low average correlation", func(t *testing.T) {
		insights := GenerateInsights(m1y, map[string]float64{"a": 0.3, "b": 0.4}, Window1Y)
		require.Len(t, insights, 3)
		assert.Contains(t, insights[1], "meaningful diversification")
	})

	t.Run("should stay silent on a middling average", func(t *testing.T) {
		insights := GenerateInsights(m1y, map[string]float64{"a": 0.65}, Window1Y)
		require.Len(t, insights, 2)
		assert.Equal(t, windowRemarks[Window1Y], insights[1])
	})

	t.Run("should skip the pair insight below the cut-off", func(t *testing.T) {
		idx := []Index{{Symbol: "A", Name: "A"}, {Symbol: "B", Name: "B"}}
		m, err := NewMatrix(Window3Y, idx, [][]float64{{1, 0.85}, {0.85, 1}})
		require.NoError(t, err)

		insights := GenerateInsights(m, nil, Window3Y)
		require.Len(t, insights, 1)
		assert.Contains(t, insights[0], "structural")
	})

	t.Run("should remark on short windows being noisy", func(t *testing.T) {
		m, _ := MatrixFor(Window1M)
		insights := GenerateInsights(m, nil, Window1M)
		assert.Contains(t, insights[len(insights)-1], "noisy")
	})

	t.Run("should be stable across calls", func(t *testing.T) {
		by := map[string]float64{"a": 0.81, "b": 0.79, "c": 0.83, "d": 0.9}
		first := GenerateInsights(m1y, by, Window1Y)
		for i := 0; i < 20; i++ {
			assert.Equal(t, first, GenerateInsights(m1y, by, Window1Y))
		}
	})
}
