// Package telemetry exposes the service's Prometheus metrics.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pitchside"

// Metrics holds every collector on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	observations    *prometheus.CounterVec
	observeDuration *prometheus.HistogramVec
	messages        *prometheus.CounterVec
	wsClients       prometheus.Gauge
	rateLimited     prometheus.Counter
	auditFindings   *prometheus.GaugeVec
	migrations      *prometheus.CounterVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		observations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observations_total",
			Help:      "Page observations processed, by page kind and outcome.",
		}, []string{"kind", "status"}),
		observeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "observation_duration_seconds",
			Help:      "Time from snapshot receipt to stored record.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"kind"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Protocol messages handled, by type and result.",
		}, []string{"type", "result"}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_clients",
			Help:      "Connected websocket clients.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-client rate limiter.",
		}),
		auditFindings: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "audit_findings",
			Help:      "Findings of the most recent integrity audit.",
		}, []string{"finding"}),
		migrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migrations_total",
			Help:      "Migration runs, by final state.",
		}, []string{"state"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.observations,
		m.observeDuration,
		m.messages,
		m.wsClients,
		m.rateLimited,
		m.auditFindings,
		m.migrations,
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Observation records one processed page snapshot.
func (m *Metrics) Observation(kind, status string, elapsed time.Duration) {
	m.observations.WithLabelValues(kind, status).Inc()
	m.observeDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// Message records one protocol message.
func (m *Metrics) Message(typ string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.messages.WithLabelValues(typ, result).Inc()
}

// ClientConnected tracks websocket connects (+1) and disconnects (-1).
func (m *Metrics) ClientConnected(delta int) {
	m.wsClients.Add(float64(delta))
}

// RateLimited counts a rejected request.
func (m *Metrics) RateLimited() {
	m.rateLimited.Inc()
}

// AuditFindings replaces the published audit counts.
func (m *Metrics) AuditFindings(counts map[string]int) {
	m.auditFindings.Reset()
	for finding, n := range counts {
		m.auditFindings.WithLabelValues(finding).Set(float64(n))
	}
}

// Migration records the final state of a migration run.
func (m *Metrics) Migration(state string) {
	m.migrations.WithLabelValues(state).Inc()
}
