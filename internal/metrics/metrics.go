package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	SessionsStarted  prometheus.Counter
	SessionsFinished *prometheus.CounterVec
	DispatchFailures prometheus.Counter
	ActiveSessions   prometheus.Gauge
	PlannerRetries   prometheus.Counter
	StepDuration     *prometheus.HistogramVec
}

// New creates a metrics set backed by its own registry, so tests never
// collide on the global default.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "bidcraft",
			Name:      "sessions_started_total",
			Help:      "Proposal sessions accepted for background processing.",
		}),
		SessionsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bidcraft",
			Name:      "sessions_finished_total",
			Help:      "Proposal sessions that reached a terminal status.",
		}, []string{"status"}),
		DispatchFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "bidcraft",
			Name:      "dispatch_failures_total",
			Help:      "Sessions that could not be scheduled for background processing.",
		}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "bidcraft",
			Name:      "active_sessions",
			Help:      "Sessions currently being processed.",
		}),
		PlannerRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "bidcraft",
			Name:      "planner_dispatch_retries_total",
			Help:      "Planner run dispatches retried after throttling.",
		}),
		StepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bidcraft",
			Name:      "step_duration_seconds",
			Help:      "Wall-clock duration of workflow step executions.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"step"}),
	}
}

// Handler serves the /metrics endpoint for this metrics set.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
