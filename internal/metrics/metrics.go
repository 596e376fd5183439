// Package metrics provides Prometheus metrics for the ops-core service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AgentsRegistered counts successful agent registrations.
	AgentsRegistered = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "opscore",
			Subsystem: "lifecycle",
			Name:      "agents_registered_total",
			Help:      "Total number of agents registered",
		},
	)

	// AgentStateChanges counts reported agent states by state value.
	AgentStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "opscore",
			Subsystem: "lifecycle",
			Name:      "agent_state_changes_total",
			Help:      "Total number of agent state reports by state",
		},
		[]string{"state"},
	)

	// SessionsTotal counts session transitions by status.
	SessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "opscore",
			Subsystem: "lifecycle",
			Name:      "sessions_total",
			Help:      "Total number of session status transitions",
		},
		[]string{"status"}, // "started", "completed", "failed", ...
	)

	// TasksEnqueued counts tasks entering the queue by reason.
	TasksEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "opscore",
			Subsystem: "workflow",
			Name:      "tasks_enqueued_total",
			Help:      "Total number of tasks enqueued",
		},
		[]string{"reason"}, // "trigger", "manual", "busy", "retry"
	)

	// DispatchOutcomes counts dispatch loop iterations by outcome.
	DispatchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "opscore",
			Subsystem: "workflow",
			Name:      "dispatch_outcomes_total",
			Help:      "Total number of dispatch loop iterations by outcome",
		},
		[]string{"outcome"}, // "idle", "dispatched", "requeued", "retried", "failed"
	)

	// DispatchDuration tracks agent dispatch call latency.
	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "opscore",
			Subsystem: "workflow",
			Name:      "dispatch_duration_seconds",
			Help:      "Agent dispatch call duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"result"}, // "success", "error"
	)

	// TaskRetries tracks how many retries a task used before its final outcome.
	TaskRetries = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "opscore",
			Subsystem: "workflow",
			Name:      "task_retries",
			Help:      "Number of retry attempts per task",
			Buckets:   []float64{0, 1, 2, 3, 4, 5},
		},
		[]string{"final_status"},
	)

	// QueueDepth tracks tasks held in the queue, ready and delayed.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "opscore",
			Subsystem: "workflow",
			Name:      "queue_depth",
			Help:      "Number of tasks waiting in the queue",
		},
	)

	// WorkflowsTriggered counts workflow trigger requests by result.
	WorkflowsTriggered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "opscore",
			Subsystem: "workflow",
			Name:      "workflows_triggered_total",
			Help:      "Total number of workflow triggers",
		},
		[]string{"result"}, // "enqueued", "no_tasks", "error"
	)

	// StoreOperations counts storage operations.
	StoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "opscore",
			Subsystem: "storage",
			Name:      "operations_total",
			Help:      "Total number of storage operations",
		},
		[]string{"operation", "result"}, // result: success, error
	)

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "opscore",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "opscore",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// SessionStreams tracks open session event streams.
	SessionStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "opscore",
			Subsystem: "sse",
			Name:      "active_streams",
			Help:      "Number of open session event streams",
		},
	)

	// SessionStreamDuration tracks how long session event streams stay open.
	SessionStreamDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "opscore",
			Subsystem: "sse",
			Name:      "stream_duration_seconds",
			Help:      "Duration of session event streams in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600},
		},
	)
)

// Result maps an error to the "success"/"error" label value.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
