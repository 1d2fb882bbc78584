// Package observability provides Prometheus metrics and OpenTelemetry tracing
// for tracking engine actions.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Action outcome labels.
const (
	OutcomeApplied   = "applied"
	OutcomeDenied    = "denied"
	OutcomeDuplicate = "duplicate"
	OutcomeError     = "error"
)

// Metrics holds all Prometheus metrics for the tracking engine.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	ActionsTotal             *prometheus.CounterVec
	ActionSeconds            *prometheus.HistogramVec
	MergeAffectedTotal       *prometheus.CounterVec
	PropagationChildrenTotal *prometheus.CounterVec
	JobsTotal                *prometheus.CounterVec
	QueueDepth               *prometheus.GaugeVec
}

// DefaultMetrics creates metrics registered with the default registerer.
func DefaultMetrics() *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer)
}

// NewMetrics creates a new set of tracking metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ActionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracking_actions_total",
				Help: "Total top-level actions by type, action and outcome",
			},
			[]string{"type", "action", "outcome"},
		),
		ActionSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tracking_action_seconds",
				Help:    "Latency of top-level actions including commit",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"action"},
		),
		MergeAffectedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracking_merge_affected_total",
				Help: "Records redirected or merged as a side effect of a merge",
			},
			[]string{"type"},
		),
		PropagationChildrenTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracking_propagation_children_total",
				Help: "Child records updated by status propagation",
			},
			[]string{"action"},
		),
		JobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracking_jobs_total",
				Help: "Jobs dispatched by kind and submission status",
			},
			[]string{"kind", "status"},
		),
		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tracking_queue_depth",
				Help: "Pending jobs in a persistent queue",
			},
			[]string{"queue"},
		),
	}
}

// RecordAction records one top-level action.
func (m *Metrics) RecordAction(typ, action, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ActionsTotal.WithLabelValues(typ, action, outcome).Inc()
	m.ActionSeconds.WithLabelValues(action).Observe(elapsed.Seconds())
}

// RecordMergeAffected counts a record side-effected by a merge.
func (m *Metrics) RecordMergeAffected(typ string) {
	if m == nil {
		return
	}
	m.MergeAffectedTotal.WithLabelValues(typ).Inc()
}

// RecordPropagation counts children updated by one propagation run.
func (m *Metrics) RecordPropagation(action string, children int) {
	if m == nil {
		return
	}
	m.PropagationChildrenTotal.WithLabelValues(action).Add(float64(children))
}

// RecordJob counts a job submission.
func (m *Metrics) RecordJob(kind string, err error) {
	if m == nil {
		return
	}
	status := "submitted"
	if err != nil {
		status = "failed"
	}
	m.JobsTotal.WithLabelValues(kind, status).Inc()
}

// SetQueueDepth sets the gauge for queue.
func (m *Metrics) SetQueueDepth(queue string, depth int64) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(queue).Set(float64(depth))
}
