package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	t.Run("should count evaluations and alerts", func(t *testing.T) {
		m := New(prometheus.NewRegistry())

		m.ObserveEvaluation("danger", 8)
		m.ObserveEvaluation("danger", 12)
		m.ObserveEvaluation("safe", 90)
		m.AlertFired("breach", "var95")
		m.InputFailed("varservice")
		m.SetBreakerState("varservice", 1)
		m.SetStreamClients(3)

		assert.Equal(t, 2.0, testutil.ToFloat64(m.evaluations.WithLabelValues("danger")))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.alerts.WithLabelValues("breach", "var95")))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.degraded.WithLabelValues("varservice")))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.breakerState.WithLabelValues("varservice")))
		assert.Equal(t, 3.0, testutil.ToFloat64(m.streamClients))
	})

	t.Run("should serve the exposition format", func(t *testing.T) {
		m := New(prometheus.NewRegistry())
		m.ObserveRequest(http.MethodGet, "/api/v1/portfolios/:id/score", 200, 15*time.Millisecond)
		m.ObserveRequest(http.MethodGet, "", 404, time.Millisecond)

		rec := httptest.NewRecorder()
		m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		body := rec.Body.String()
		assert.True(t, strings.Contains(body, `riskengine_http_requests_total{method="GET",route="/api/v1/portfolios/:id/score",status="200"} 1`))
		assert.True(t, strings.Contains(body, `route="unmatched"`))
	})

	t.Run("should tolerate a nil receiver", func(t *testing.T) {
		var m *Metrics
		assert.NotPanics(t, func() {
			m.ObserveEvaluation("safe", 100)
			m.AlertFired("breach", "beta")
			m.SetStreamClients(1)
			m.ObserveRequest("GET", "/", 200, time.Millisecond)
		})
		rec := httptest.NewRecorder()
		m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
