package history

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/riskengine/internal/engine"
	"github.com/terminal-bench/riskengine/internal/metrics"
)

func ptr(v float64) *float64 { return &v }

func sampleReport() engine.Report {
	return engine.Evaluate(engine.Input{
		PortfolioID: "pf-1",
		Persisted: &metrics.Record{
			VaR95:       ptr(1.78),
			Volatility:  ptr(12),
			MaxDrawdown: ptr(8),
			SharpeRatio: ptr(1.3),
			Beta:        ptr(0.95),
		},
	})
}

func TestNewPoint(t *testing.T) {
	at := time.Unix(1700000000, 0)
	line := write.PointToLineProtocol(NewPoint(sampleReport(), at), time.Second)

	t.Run("should tag by portfolio level and status", func(t *testing.T) {
		assert.True(t, strings.HasPrefix(line, Measurement+",level=Good,portfolio=pf-1,status=safe "), line)
	})

	t.Run("should carry score and available metrics only", func(t *testing.T) {
		assert.Contains(t, line, "score=65i")
		assert.Contains(t, line, "complete=true")
		assert.Contains(t, line, "var95=1.78")
		assert.Contains(t, line, "beta=0.95")
		assert.NotContains(t, line, "sortinoRatio")
		assert.True(t, strings.HasSuffix(strings.TrimSpace(line), " 1700000000"), line)
	})
}

func TestRangeQuery(t *testing.T) {
	q := rangeQuery("risk", `pf"1`, time.Hour)
	assert.Contains(t, q, `from(bucket: "risk")`)
	assert.Contains(t, q, "range(start: -3600s)")
	assert.Contains(t, q, `r.portfolio == "pf\"1"`)

	assert.Contains(t, rangeQuery("risk", "pf", 0), "range(start: -2592000s)")
}

func TestToInt(t *testing.T) {
	assert.Equal(t, 70, toInt(int64(70)))
	assert.Equal(t, 70, toInt(70.0))
	assert.Equal(t, 0, toInt("70"))
}

// Runs against a real server when RISKENGINE_TEST_INFLUX_URL is set.
func TestStoreIntegration(t *testing.T) {
	url := os.Getenv("RISKENGINE_TEST_INFLUX_URL")
	if url == "" || testing.Short() {
		t.Skip("RISKENGINE_TEST_INFLUX_URL not set")
	}
	s := New(Config{
		URL:    url,
		Token:  os.Getenv("RISKENGINE_TEST_INFLUX_TOKEN"),
		Org:    os.Getenv("RISKENGINE_TEST_INFLUX_ORG"),
		Bucket: os.Getenv("RISKENGINE_TEST_INFLUX_BUCKET"),
	})
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Ping(ctx))
	require.NoError(t, s.Record(ctx, sampleReport(), time.Now()))

	points, err := s.Range(ctx, "pf-1", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, points)
	assert.Equal(t, 65, points[len(points)-1].Score)
}
