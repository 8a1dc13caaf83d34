// Package metrics exposes Prometheus collectors for backend calls, the
// circuit breaker, ingestion and backend health.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcomes recorded for backend calls.
const (
	OutcomeOK       = "ok"
	OutcomeFallback = "fallback"
	OutcomeError    = "error"
	OutcomeRejected = "rejected"
)

// Metrics groups the collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	backendCalls   *prometheus.CounterVec
	backendLatency *prometheus.HistogramVec
	breakerState   prometheus.Gauge
	backendHealthy prometheus.Gauge
	filesByStatus  *prometheus.GaugeVec
	messages       prometheus.Counter
}

// New creates the collectors and registers them on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		backendCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "govchat",
			Name:      "backend_calls_total",
			Help:      "Backend calls by operation and outcome.",
		}, []string{"op", "outcome"}),
		backendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "govchat",
			Name:      "backend_call_duration_seconds",
			Help:      "Backend call latency by operation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		breakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "govchat",
			Name:      "breaker_state",
			Help:      "Backend circuit state: 0 closed, 1 open, 2 half-open.",
		}),
		backendHealthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "govchat",
			Name:      "backend_healthy",
			Help:      "1 when the last backend ping succeeded.",
		}),
		filesByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "govchat",
			Name:      "ingest_files",
			Help:      "Tracked files by ingestion status.",
		}, []string{"status"}),
		messages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "govchat",
			Name:      "session_messages_total",
			Help:      "Messages appended to the session.",
		}),
	}
	m.registry.MustRegister(
		m.backendCalls,
		m.backendLatency,
		m.breakerState,
		m.backendHealthy,
		m.filesByStatus,
		m.messages,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveCall records one backend call.
func (m *Metrics) ObserveCall(op, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.backendCalls.WithLabelValues(op, outcome).Inc()
	m.backendLatency.WithLabelValues(op).Observe(d.Seconds())
}

// SetBreakerState records the breaker state as its numeric value.
func (m *Metrics) SetBreakerState(state int) {
	if m == nil {
		return
	}
	m.breakerState.Set(float64(state))
}

// SetBackendHealthy records the last health check result.
func (m *Metrics) SetBackendHealthy(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.backendHealthy.Set(1)
	} else {
		m.backendHealthy.Set(0)
	}
}

// SetFileCounts replaces the per-status file gauges.
func (m *Metrics) SetFileCounts(counts map[string]int) {
	if m == nil {
		return
	}
	m.filesByStatus.Reset()
	for status, n := range counts {
		m.filesByStatus.WithLabelValues(status).Set(float64(n))
	}
}

// IncMessages counts an appended message.
func (m *Metrics) IncMessages() {
	if m == nil {
		return
	}
	m.messages.Inc()
}
