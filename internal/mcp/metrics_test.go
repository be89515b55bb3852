package mcp

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/regcycle/internal/faults"
)

func TestToolMetrics_Start(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m := newToolMetricsFrom(mp.Meter(instrumentationName), zap.NewNop())

	ctx := context.Background()
	m.start(ctx, "get_cycle")(nil)
	m.start(ctx, "get_cycle")(faults.NotFound("orchestrator.get", "cycle", "c-1"))
	m.start(ctx, "advance_step")(faults.New(faults.KindDependency, "orchestrator.advance", "s2 waits on s1"))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	byName := map[string]metricdata.Metrics{}
	for _, md := range rm.ScopeMetrics[0].Metrics {
		byName[md.Name] = md
	}
	require.Contains(t, byName, "regcycle.mcp.tool.duration_seconds")

	assert.Equal(t, int64(3), sumInt64(byName["regcycle.mcp.tool.invocations_total"]))
	assert.Equal(t, int64(0), sumInt64(byName["regcycle.mcp.tool.active_requests"]))

	reasons := map[string]int64{}
	for _, dp := range byName["regcycle.mcp.tool.errors_total"].Data.(metricdata.Sum[int64]).DataPoints {
		reason, _ := dp.Attributes.Value("reason")
		reasons[reason.AsString()] += dp.Value
	}
	assert.Equal(t, map[string]int64{
		string(faults.KindNotFound):   1,
		string(faults.KindDependency): 1,
	}, reasons)
}

func sumInt64(md metricdata.Metrics) int64 {
	sum, ok := md.Data.(metricdata.Sum[int64])
	if !ok {
		return -1
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestFailureReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{faults.Validation("op", "bad"), string(faults.KindValidation)},
		{fmt.Errorf("wrapped: %w", faults.NotFound("op", "cycle", "c")), string(faults.KindNotFound)},
		{fmt.Errorf("calling tool: %w", context.DeadlineExceeded), "timeout"},
		{context.Canceled, "canceled"},
		{errors.New("boom"), "internal_error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, failureReason(tt.err), tt.err.Error())
	}
}
