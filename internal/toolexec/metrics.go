package toolexec

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// toolExecutionsTotal counts gateway executions.
// Labels: tool, result (success, failure)
var toolExecutionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "regcycle",
		Subsystem: "toolexec",
		Name:      "executions_total",
		Help:      "Total number of tool executions by result",
	},
	[]string{"tool", "result"},
)
