// Package telemetry holds the Prometheus collector and the OpenTelemetry
// tracer provider for the audit service.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oktsec/truthaudit/internal/audit"
)

const namespace = "truthaudit"

// Metrics records audit outcomes on a private registry. It implements the
// engine's Recorder.
type Metrics struct {
	registry *prometheus.Registry

	audits      *prometheus.CounterVec
	actions     *prometheus.CounterVec
	escalations *prometheus.CounterVec
	failures    *prometheus.CounterVec
	truthScore  prometheus.Histogram
	duration    prometheus.Histogram
}

// NewMetrics registers the audit metrics. withRuntime adds the Go and
// process collectors.
func NewMetrics(withRuntime bool) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		audits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audits_total",
			Help:      "Sessions audited, by final status.",
		}, []string{"status"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Governance actions taken, by event kind.",
		}, []string{"kind"}),
		escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Sessions escalated to secondary review, by reason.",
		}, []string{"reason"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_failures_total",
			Help:      "Audits that failed, by pipeline stage.",
		}, []string{"stage"}),
		truthScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "truth_score",
			Help:      "Distribution of session truth scores.",
			Buckets:   []float64{40, 50, 60, 70, 80, 85, 90, 95, 100},
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "audit_duration_seconds",
			Help:      "Time to audit one session, persistence included.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
	}
	reg.MustRegister(m.audits, m.actions, m.escalations, m.failures, m.truthScore, m.duration)
	if withRuntime {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return m
}

// AuditCompleted records one successful audit.
func (m *Metrics) AuditCompleted(r audit.Result, elapsed time.Duration) {
	m.audits.WithLabelValues(string(r.Status)).Inc()
	m.truthScore.Observe(r.Scores.TruthScore)
	m.duration.Observe(elapsed.Seconds())
	if r.Escalated && r.EscalationReason != nil {
		m.escalations.WithLabelValues(*r.EscalationReason).Inc()
	}
}

// AuditFailed records an audit that failed at stage.
func (m *Metrics) AuditFailed(stage string) {
	m.failures.WithLabelValues(stage).Inc()
}

// ActionTaken records one executed governance action.
func (m *Metrics) ActionTaken(kind string) {
	m.actions.WithLabelValues(kind).Inc()
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
