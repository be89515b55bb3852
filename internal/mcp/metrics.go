package mcp

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/regcycle/internal/faults"
)

const instrumentationName = "github.com/fyrsmithlabs/regcycle/internal/mcp"

// toolMetrics counts agent tool calls. Failures are labelled with the
// engine's error kind, so dependency and attestation refusals are visible
// apart from real faults.
type toolMetrics struct {
	calls    metric.Int64Counter
	duration metric.Float64Histogram
	failures metric.Int64Counter
	active   metric.Int64UpDownCounter
}

func newToolMetrics(logger *zap.Logger) *toolMetrics {
	return newToolMetricsFrom(otel.Meter(instrumentationName), logger)
}

func newToolMetricsFrom(meter metric.Meter, logger *zap.Logger) *toolMetrics {
	warn := func(name string, err error) {
		if err != nil {
			logger.Warn("failed to create mcp instrument", zap.String("instrument", name), zap.Error(err))
		}
	}

	m := &toolMetrics{}
	var err error
	m.calls, err = meter.Int64Counter("regcycle.mcp.tool.invocations_total",
		metric.WithDescription("Agent tool calls by tool"),
		metric.WithUnit("{invocation}"))
	warn("invocations_total", err)

	m.duration, err = meter.Float64Histogram("regcycle.mcp.tool.duration_seconds",
		metric.WithDescription("Agent tool call latency by tool"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30))
	warn("duration_seconds", err)

	m.failures, err = meter.Int64Counter("regcycle.mcp.tool.errors_total",
		metric.WithDescription("Failed agent tool calls by tool and reason"),
		metric.WithUnit("{error}"))
	warn("errors_total", err)

	m.active, err = meter.Int64UpDownCounter("regcycle.mcp.tool.active_requests",
		metric.WithDescription("Agent tool calls in flight"),
		metric.WithUnit("{request}"))
	warn("active_requests", err)
	return m
}

// start marks a call in flight and returns the func that records its outcome.
func (m *toolMetrics) start(ctx context.Context, tool string) func(err error) {
	began := time.Now()
	attrs := metric.WithAttributes(attribute.String("tool", tool))
	if m.active != nil {
		m.active.Add(ctx, 1, attrs)
	}
	return func(err error) {
		if m.active != nil {
			m.active.Add(ctx, -1, attrs)
		}
		if m.calls != nil {
			m.calls.Add(ctx, 1, attrs)
		}
		if m.duration != nil {
			m.duration.Record(ctx, time.Since(began).Seconds(), attrs)
		}
		if err != nil && m.failures != nil {
			m.failures.Add(ctx, 1, metric.WithAttributes(
				attribute.String("tool", tool),
				attribute.String("reason", failureReason(err)),
			))
		}
	}
}

// failureReason maps an error to a low-cardinality label.
func failureReason(err error) string {
	if kind := faults.KindOf(err); kind != "" {
		return string(kind)
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	return "internal_error"
}
