// Package metrics holds the prometheus collectors of the turn pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WorkflowExecutions counts finished executions by outcome
	// (succeeded, failed, deduplicated, status_pending).
	WorkflowExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "turnflow",
			Name:      "workflow_executions_total",
			Help:      "Total workflow executions by outcome",
		},
		[]string{"outcome"},
	)

	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "turnflow",
			Name:      "workflow_step_duration_seconds",
			Help:      "Workflow step duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		},
		[]string{"step"},
	)

	ChunkWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "turnflow",
			Name:      "chunk_writes_total",
			Help:      "Chunk document writes by result",
		},
		[]string{"result"},
	)

	StoreRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "turnflow",
			Name:      "store_retries_total",
			Help:      "Retried document store operations",
		},
		[]string{"op"},
	)

	StatusConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "turnflow",
			Name:      "status_conflicts_total",
			Help:      "Chat status updates that hit a revision conflict",
		},
		[]string{"phase"},
	)

	RecoveryRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "turnflow",
			Name:      "recovery_runs_total",
			Help:      "Journal records handled by the recovery worker",
		},
		[]string{"result"},
	)
)

// ObserveStep records the duration of a workflow step.
func ObserveStep(step string, start time.Time) {
	StepDuration.WithLabelValues(step).Observe(time.Since(start).Seconds())
}
