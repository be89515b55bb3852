package humangate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// actionsRequestedTotal counts actions placed in the pending set.
	actionsRequestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "regcycle",
			Subsystem: "humangate",
			Name:      "actions_requested_total",
			Help:      "Total number of actions submitted for human approval",
		},
		[]string{"action_type"},
	)

	// decisionsTotal counts resolved actions.
	// Labels: action_type, status (approved, rejected, expired, cancelled)
	decisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "regcycle",
			Subsystem: "humangate",
			Name:      "decisions_total",
			Help:      "Total number of resolved human gate actions by status",
		},
		[]string{"action_type", "status"},
	)

	decisionLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "regcycle",
			Subsystem: "humangate",
			Name:      "decision_latency_seconds",
			Help:      "Time from request to human decision",
			Buckets:   []float64{60, 300, 900, 3600, 4 * 3600, 12 * 3600, 24 * 3600, 72 * 3600},
		},
		[]string{"action_type"},
	)
)
