// Package metrics provides Prometheus instrumentation for trustflow.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ppiankov/trustflow/internal/action"
	"github.com/ppiankov/trustflow/internal/store"
)

// Collector counts dispatches, trigger outcomes and action outcomes. It
// implements dispatch.Observer.
type Collector struct {
	dispatches       *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	triggers         *prometheus.CounterVec
	actions          *prometheus.CounterVec
	actionDuration   prometheus.Histogram
	auditFailures    prometheus.Counter
	lastDispatch     prometheus.Gauge
}

// NewCollector creates and registers metrics on the given registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trustflow",
			Name:      "dispatches_total",
			Help:      "Lifecycle events dispatched, by resource and event.",
		}, []string{"resource", "event"}),

		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "trustflow",
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent processing one lifecycle event.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"resource"}),

		triggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trustflow",
			Name:      "trigger_runs_total",
			Help:      "Recorded trigger runs by outcome (not_matched, performed, partial).",
		}, []string{"resource", "outcome"}),

		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trustflow",
			Name:      "actions_total",
			Help:      "Attempted actions by status.",
		}, []string{"status"}),

		actionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "trustflow",
			Name:      "action_duration_seconds",
			Help:      "Time spent in action backends.",
			Buckets:   prometheus.DefBuckets,
		}),

		auditFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trustflow",
			Name:      "audit_write_failures_total",
			Help:      "History rows that could not be persisted.",
		}),

		lastDispatch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "trustflow",
			Name:      "last_dispatch_timestamp",
			Help:      "Unix timestamp of the last completed dispatch.",
		}),
	}

	reg.MustRegister(c.dispatches)
	reg.MustRegister(c.dispatchDuration)
	reg.MustRegister(c.triggers)
	reg.MustRegister(c.actions)
	reg.MustRegister(c.actionDuration)
	reg.MustRegister(c.auditFailures)
	reg.MustRegister(c.lastDispatch)

	return c
}

// DispatchCompleted implements dispatch.Observer.
func (c *Collector) DispatchCompleted(resource store.Resource, event string, _ int, elapsed time.Duration) {
	c.dispatches.WithLabelValues(string(resource), event).Inc()
	c.dispatchDuration.WithLabelValues(string(resource)).Observe(elapsed.Seconds())
	c.lastDispatch.SetToCurrentTime()
}

// TriggerRecorded implements dispatch.Observer.
func (c *Collector) TriggerRecorded(h *store.TriggerHistory) {
	c.triggers.WithLabelValues(string(h.Resource), Outcome(h)).Inc()
}

// ActionCompleted implements dispatch.Observer.
func (c *Collector) ActionCompleted(o *action.Outcome) {
	c.actions.WithLabelValues(string(o.Status)).Inc()
	c.actionDuration.Observe(o.Duration.Seconds())
}

// AuditWriteFailed implements dispatch.Observer.
func (c *Collector) AuditWriteFailed() {
	c.auditFailures.Inc()
}

// Outcome classifies a History row for the trigger_runs_total label.
func Outcome(h *store.TriggerHistory) string {
	switch {
	case !h.ConditionsMatched:
		return "not_matched"
	case h.Performed():
		return "performed"
	default:
		return "partial"
	}
}
