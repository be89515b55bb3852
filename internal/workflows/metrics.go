package workflows

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/fyrsmithlabs/regcycle/internal/workflows"

// sweepMetrics counts sweep outcomes per tenant. Instruments are resolved
// from the global meter provider when the activity runs, so a provider
// installed after package init is honoured.
type sweepMetrics struct {
	sweeps    metric.Int64Counter
	escalated metric.Int64Counter
	expired   metric.Int64Counter
	failures  metric.Int64Counter
	duration  metric.Float64Histogram
}

func newSweepMetrics(meter metric.Meter) *sweepMetrics {
	m := &sweepMetrics{}
	// Instrument errors only occur for invalid names; the no-op instruments
	// returned alongside them are safe to use.
	m.sweeps, _ = meter.Int64Counter("regcycle.workflows.sweep.tenant_sweeps",
		metric.WithDescription("Tenant sweeps completed"),
		metric.WithUnit("{sweep}"))
	m.escalated, _ = meter.Int64Counter("regcycle.workflows.sweep.tasks_escalated",
		metric.WithDescription("Human tasks escalated by the sweep"),
		metric.WithUnit("{task}"))
	m.expired, _ = meter.Int64Counter("regcycle.workflows.sweep.actions_expired",
		metric.WithDescription("Pending approvals expired by the sweep"),
		metric.WithUnit("{action}"))
	m.failures, _ = meter.Int64Counter("regcycle.workflows.sweep.failures",
		metric.WithDescription("Sweep stage failures by stage"),
		metric.WithUnit("{error}"))
	m.duration, _ = meter.Float64Histogram("regcycle.workflows.sweep.duration_seconds",
		metric.WithDescription("Duration of one tenant sweep"),
		metric.WithUnit("s"))
	return m
}

func (a *SweepActivities) metrics() *sweepMetrics {
	if a.Meter != nil {
		return newSweepMetrics(a.Meter)
	}
	return newSweepMetrics(otel.Meter(instrumentationName))
}

func (m *sweepMetrics) failed(ctx context.Context, tenantID string, stage SweepStage) {
	m.failures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tenant", tenantID),
		attribute.String("stage", string(stage)),
	))
}

func (m *sweepMetrics) swept(ctx context.Context, tenantID string, res *SweepTenantResult, took time.Duration) {
	attrs := metric.WithAttributes(attribute.String("tenant", tenantID))
	m.sweeps.Add(ctx, 1, attrs)
	m.escalated.Add(ctx, int64(res.Escalated), attrs)
	m.expired.Add(ctx, int64(res.Expired), attrs)
	m.duration.Record(ctx, took.Seconds(), attrs)
}
