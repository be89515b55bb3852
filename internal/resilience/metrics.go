package resilience

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// retryAttemptsTotal counts retry loop events.
	// Labels: operation, outcome (success, retry, permanent, exhausted)
	retryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "regcycle",
			Subsystem: "resilience",
			Name:      "retry_events_total",
			Help:      "Total number of retry loop events by outcome",
		},
		[]string{"operation", "outcome"},
	)

	// ServiceLevelGauge reports the level of each registered service
	// (3=full, 2=partial, 1=minimal, 0=offline).
	ServiceLevelGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "regcycle",
			Subsystem: "resilience",
			Name:      "service_level",
			Help:      "Current service level (3=full, 2=partial, 1=minimal, 0=offline)",
		},
		[]string{"service"},
	)

	// SystemLevelGauge reports the overall system level.
	SystemLevelGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "regcycle",
			Subsystem: "resilience",
			Name:      "system_level",
			Help:      "Overall system service level (3=full, 2=partial, 1=minimal, 0=offline)",
		},
	)

	// FallbackExecutionsTotal counts fallback executions.
	// Labels: service, result (success, error)
	FallbackExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "regcycle",
			Subsystem: "resilience",
			Name:      "fallback_executions_total",
			Help:      "Total number of fallback executions",
		},
		[]string{"service", "result"},
	)
)

func levelValue(l ServiceLevel) float64 {
	switch l {
	case LevelFull:
		return 3
	case LevelPartial:
		return 2
	case LevelMinimal:
		return 1
	}
	return 0
}
