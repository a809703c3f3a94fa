// Package metrics bundles the Prometheus collectors exported by framesched.
//
// Collectors are created against an explicit prometheus.Registerer so that
// several coordinators (or tests) can coexist in one process. Passing a nil
// Registerer yields working but unregistered collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "framesched"

// Transaction results used as the "result" label.
const (
	TxnApplied  = "applied"
	TxnPurged   = "purged"
	TxnDeferred = "deferred"
)

// Metrics holds every collector used by the scheduling core.
type Metrics struct {
	// Frames counts completed frames.
	Frames prometheus.Counter

	// PhaseDuration tracks the wall time of each frame phase on worker 0.
	PhaseDuration *prometheus.HistogramVec

	// Assignments counts assignments handed out, by strategy.
	Assignments *prometheus.CounterVec

	// AssignmentItems counts work items covered by handed out assignments.
	AssignmentItems *prometheus.CounterVec

	// Transactions counts transactions by result.
	Transactions *prometheus.CounterVec

	// Tasks counts tasks run from the task queue.
	Tasks prometheus.Counter

	// Updates counts update-graph nodes whose update completed.
	Updates prometheus.Counter

	// PipelineSetups counts full pipeline negotiations.
	PipelineSetups prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Frames: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Total frames completed by the coordinator",
		}),
		PhaseDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Frame phase duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10), // 10us to ~2.6s
		}, []string{"phase"}),
		Assignments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assignments_total",
			Help:      "Total assignments handed out by strategy",
		}, []string{"strategy"}),
		AssignmentItems: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assignment_items_total",
			Help:      "Total work items covered by handed out assignments",
		}, []string{"strategy"}),
		Transactions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Total transactions by result",
		}, []string{"result"}),
		Tasks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Total tasks run from the task queue",
		}),
		Updates: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_total",
			Help:      "Total update-graph nodes finished",
		}),
		PipelineSetups: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_setups_total",
			Help:      "Total pipeline negotiations",
		}),
	}
}

// Nop returns unregistered collectors for callers that do not export metrics.
func Nop() *Metrics {
	return New(nil)
}
