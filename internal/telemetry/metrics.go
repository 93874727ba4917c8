// Package telemetry holds the Prometheus collectors of the risk service.
// A nil *Metrics is valid and records nothing.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "riskengine"

type Metrics struct {
	evaluations   *prometheus.CounterVec
	scores        prometheus.Histogram
	alerts        *prometheus.CounterVec
	degraded      *prometheus.CounterVec
	breakerState  *prometheus.GaugeVec
	streamClients prometheus.Gauge
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	gatherer      prometheus.Gatherer
}

// New registers the collectors on reg
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Portfolio evaluations by worst threshold status",
		}, []string{"status"}),
		scores: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "resilience_score",
			Help:      "Distribution of computed resilience scores",
			Buckets:   []float64{20, 35, 50, 65, 80, 90, 100},
		}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Threshold alerts fired",
		}, []string{"kind", "metric"}),
		degraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "input_failures_total",
			Help:      "Input lookups that failed and were skipped",
		}, []string{"source"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		}, []string{"breaker"}),
		streamClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_clients",
			Help:      "Connected websocket clients",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		gatherer: reg,
	}
	reg.MustRegister(
		m.evaluations, m.scores, m.alerts, m.degraded,
		m.breakerState, m.streamClients, m.httpRequests, m.httpDuration,
	)
	return m
}

func (m *Metrics) ObserveEvaluation(status string, score int) {
	if m == nil {
		return
	}
	m.evaluations.WithLabelValues(status).Inc()
	m.scores.Observe(float64(score))
}

func (m *Metrics) AlertFired(kind, metric string) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(kind, metric).Inc()
}

// InputFailed counts a failed lookup of source (store, varservice, profiles)
func (m *Metrics) InputFailed(source string) {
	if m == nil {
		return
	}
	m.degraded.WithLabelValues(source).Inc()
}

func (m *Metrics) SetBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(name).Set(float64(state))
}

func (m *Metrics) SetStreamClients(n int) {
	if m == nil {
		return
	}
	m.streamClients.Set(float64(n))
}

func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
