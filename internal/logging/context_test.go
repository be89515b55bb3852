package logging

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap/zapcore"
)

func TestValidateID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr string
	}{
		{name: "plain", id: "acme"},
		{name: "uuid", id: "3f2c9a1e-0d4b-4a55-9c1e-7b1f8e2a6d10"},
		{name: "dotted with colon", id: "org.acme:emea_1"},
		{name: "empty", id: "", wantErr: "cannot be empty"},
		{name: "path traversal", id: "../etc", wantErr: "invalid characters"},
		{name: "space", id: "acme corp", wantErr: "invalid characters"},
		{name: "too long", id: strings.Repeat("a", maxIDLen+1), wantErr: "max length"},
		{name: "invalid utf8", id: "\xff\xfe", wantErr: "invalid UTF-8"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateID(tt.id, "tenant_id")
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Contains(t, err.Error(), "tenant_id")
		})
	}
}

func TestValidateRole(t *testing.T) {
	assert.NoError(t, ValidateRole("Data Steward"))
	assert.NoError(t, ValidateRole("CFO"))
	assert.Error(t, ValidateRole("   "))
	assert.Error(t, ValidateRole("CFO\nCEO"))
	assert.Error(t, ValidateRole(strings.Repeat("r", maxRoleLen+1)))
}

func TestContextIdentity_RoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, TenantIDFromContext(ctx))
	assert.Empty(t, RoleFromContext(ctx))

	ctx = WithTenantID(ctx, "acme")
	ctx = WithUserID(ctx, "steward-1")
	ctx = WithRole(ctx, " Data Steward ")
	ctx = WithSessionID(ctx, "agent-session-7")
	ctx = WithCorrelationID(ctx, "req-42")

	assert.Equal(t, "acme", TenantIDFromContext(ctx))
	assert.Equal(t, "steward-1", UserIDFromContext(ctx))
	assert.Equal(t, "Data Steward", RoleFromContext(ctx))
	assert.Equal(t, "agent-session-7", SessionIDFromContext(ctx))
	assert.Equal(t, "req-42", CorrelationIDFromContext(ctx))
}

func TestWithTenantID_PanicsOnInvalid(t *testing.T) {
	assert.Panics(t, func() { WithTenantID(context.Background(), "../etc") })
	assert.Panics(t, func() { WithRole(context.Background(), "") })
}

func TestContextFields(t *testing.T) {
	t.Run("empty context", func(t *testing.T) {
		assert.Empty(t, ContextFields(context.Background()))
	})

	t.Run("identity and trace", func(t *testing.T) {
		traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
		spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
		sc := trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    traceID,
			SpanID:     spanID,
			TraceFlags: trace.FlagsSampled,
		})
		ctx := trace.ContextWithSpanContext(context.Background(), sc)
		ctx = WithTenantID(ctx, "acme")
		ctx = WithRole(ctx, "CFO")
		ctx = WithCorrelationID(ctx, "req-1")

		got := map[string]string{}
		for _, f := range ContextFields(ctx) {
			require.Equal(t, zapcore.StringType, f.Type)
			got[f.Key] = f.String
		}
		assert.Equal(t, map[string]string{
			"trace_id":       "4bf92f3577b34da6a3ce929d0e0e4736",
			"span_id":        "00f067aa0ba902b7",
			"tenant.id":      "acme",
			"user.role":      "CFO",
			"correlation.id": "req-1",
		}, got)
	})
}
