// Package metrics exposes runtime counters to Prometheus. Every recorder
// method is safe on a nil *Metrics so components can run without metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	eventsEmitted    *prometheus.CounterVec
	handlerErrors    *prometheus.CounterVec
	inputsProcessed  *prometheus.CounterVec
	actionsExecuted  *prometheus.CounterVec
	policyOutcomes   *prometheus.CounterVec
	retries          *prometheus.CounterVec
	runDuration      *prometheus.HistogramVec
	pendingApprovals prometheus.Gauge
	scheduledJobs    prometheus.Gauge
}

// New registers all collectors on a fresh registry, so several runtimes
// (and tests) can coexist in one process.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		eventsEmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "astralis_bus_events_emitted_total",
			Help: "Events emitted on the bus by type",
		}, []string{"type"}),
		handlerErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "astralis_bus_handler_errors_total",
			Help: "Subscriber failures by event type",
		}, []string{"type"}),
		inputsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "astralis_inputs_processed_total",
			Help: "Adapter inputs by source and outcome",
		}, []string{"source", "status"}),
		actionsExecuted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "astralis_actions_executed_total",
			Help: "Executor outcomes by action type and status",
		}, []string{"action", "status"}),
		policyOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "astralis_policy_outcomes_total",
			Help: "Rate-limit, dedup and quiet-hours interventions",
		}, []string{"policy", "operation"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "astralis_retries_total",
			Help: "Retry attempts beyond the first, by operation",
		}, []string{"operation"}),
		runDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "astralis_run_duration_seconds",
			Help:    "Coordinator run latency by final state",
			Buckets: prometheus.DefBuckets,
		}, []string{"state"}),
		pendingApprovals: f.NewGauge(prometheus.GaugeOpts{
			Name: "astralis_pending_approvals",
			Help: "Runs waiting for human approval",
		}),
		scheduledJobs: f.NewGauge(prometheus.GaugeOpts{
			Name: "astralis_scheduled_jobs",
			Help: "Delayed jobs waiting to fire",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) EventEmitted(eventType string, handlerErrors int) {
	if m == nil {
		return
	}
	m.eventsEmitted.WithLabelValues(eventType).Inc()
	if handlerErrors > 0 {
		m.handlerErrors.WithLabelValues(eventType).Add(float64(handlerErrors))
	}
}

func (m *Metrics) InputProcessed(source, status string) {
	if m == nil {
		return
	}
	m.inputsProcessed.WithLabelValues(source, status).Inc()
}

func (m *Metrics) ActionExecuted(action, status string) {
	if m == nil {
		return
	}
	m.actionsExecuted.WithLabelValues(action, status).Inc()
}

// PolicyApplied counts one intervention: policy is "rate_limit",
// "dedup" or "quiet_hours".
func (m *Metrics) PolicyApplied(policy, operation string) {
	if m == nil {
		return
	}
	m.policyOutcomes.WithLabelValues(policy, operation).Inc()
}

func (m *Metrics) Retried(operation string, extraAttempts int) {
	if m == nil || extraAttempts <= 0 {
		return
	}
	m.retries.WithLabelValues(operation).Add(float64(extraAttempts))
}

func (m *Metrics) RunFinished(state string, d time.Duration) {
	if m == nil {
		return
	}
	m.runDuration.WithLabelValues(state).Observe(d.Seconds())
}

func (m *Metrics) SetPendingApprovals(n int) {
	if m == nil {
		return
	}
	m.pendingApprovals.Set(float64(n))
}

func (m *Metrics) SetScheduledJobs(n int) {
	if m == nil {
		return
	}
	m.scheduledJobs.Set(float64(n))
}
