// Package metrics exposes the orchestrator's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksDispatched counts task-assignment envelopes appended to agent
	// inboxes, labelled by agent.
	TasksDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_tasks_dispatched_total",
		Help: "Task assignments dispatched to agent inboxes.",
	}, []string{"agent"})

	// TasksCompleted counts tasks that reached a terminal state, labelled by
	// agent and final status.
	TasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_tasks_finished_total",
		Help: "Tasks that reached a terminal state.",
	}, []string{"agent", "status"})

	// TaskRetries counts retry attempts.
	TaskRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_task_retries_total",
		Help: "Task retry attempts.",
	}, []string{"agent"})

	// TaskDuration observes wall-clock task durations in seconds.
	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "orchestrator_task_duration_seconds",
		Help:    "Wall-clock duration of task attempt chains.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	}, []string{"agent"})

	// MessagesRouted counts routing decisions, labelled by message type and
	// decision action.
	MessagesRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_messages_routed_total",
		Help: "Routing decisions by message type and action.",
	}, []string{"type", "action"})

	// AlertsDispatched counts alert deliveries, labelled by notify channel
	// and outcome.
	AlertsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_alerts_dispatched_total",
		Help: "Alert notifications by channel and outcome.",
	}, []string{"channel", "outcome"})
)
