package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// cyclesTotal counts cycle lifecycle transitions.
	// Labels: status (active, completed, failed)
	cyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "regcycle",
			Subsystem: "orchestrator",
			Name:      "cycles_total",
			Help:      "Total number of cycles entering each status",
		},
		[]string{"status"},
	)

	stepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "regcycle",
			Subsystem: "orchestrator",
			Name:      "automated_steps_total",
			Help:      "Total number of automated step executions by result",
		},
		[]string{"agent_type", "status"},
	)

	tasksCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "regcycle",
			Subsystem: "orchestrator",
			Name:      "tasks_created_total",
			Help:      "Total number of human tasks created",
		},
		[]string{"task_type"},
	)

	// decisionsTotal counts decisions applied to cycles.
	// Labels: source (task, action), outcome
	decisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "regcycle",
			Subsystem: "orchestrator",
			Name:      "decisions_applied_total",
			Help:      "Total number of human decisions applied to cycles",
		},
		[]string{"source", "outcome"},
	)

	completionBlockedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "regcycle",
			Subsystem: "orchestrator",
			Name:      "completion_blocked_total",
			Help:      "Total number of blocked completion attempts by reason",
		},
		[]string{"reason"},
	)

	escalationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "regcycle",
			Subsystem: "orchestrator",
			Name:      "escalations_total",
			Help:      "Total number of task escalations",
		},
		[]string{"task_type"},
	)
)
