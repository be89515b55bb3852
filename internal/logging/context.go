package logging

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	maxIDLen   = 128
	maxRoleLen = 64
)

// idPattern allows alphanumeric, hyphen, underscore, dot and colon.
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

type ctxKey int

const (
	tenantKey ctxKey = iota
	userKey
	roleKey
	sessionKey
	correlationKey
)

// ValidateID checks an identifier before it is used as a tenant, user,
// session or correlation id.
func ValidateID(id, name string) error {
	if id == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	if !utf8.ValidString(id) {
		return fmt.Errorf("%s contains invalid UTF-8", name)
	}
	if len(id) > maxIDLen {
		return fmt.Errorf("%s exceeds max length %d", name, maxIDLen)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%s contains invalid characters (must be alphanumeric, hyphen, underscore, dot, colon)", name)
	}
	return nil
}

// ValidateRole checks a role name. Roles are display names such as
// "Data Steward", so spaces are allowed but control characters are not.
func ValidateRole(role string) error {
	if strings.TrimSpace(role) == "" {
		return fmt.Errorf("role cannot be empty")
	}
	if !utf8.ValidString(role) || len(role) > maxRoleLen {
		return fmt.Errorf("role must be valid UTF-8 of at most %d bytes", maxRoleLen)
	}
	for _, r := range role {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("role contains control characters")
		}
	}
	return nil
}

func withID(ctx context.Context, k ctxKey, id, name string) context.Context {
	if err := ValidateID(id, name); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	return context.WithValue(ctx, k, id)
}

func valueOf(ctx context.Context, k ctxKey) string {
	if s, ok := ctx.Value(k).(string); ok {
		return s
	}
	return ""
}

// WithTenantID adds the tenant ID to context.
// Panics if tenantID fails ValidateID; validate untrusted input first.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return withID(ctx, tenantKey, tenantID, "tenantID")
}

// TenantIDFromContext extracts the tenant ID from context.
func TenantIDFromContext(ctx context.Context) string { return valueOf(ctx, tenantKey) }

// WithUserID adds the acting user ID to context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return withID(ctx, userKey, userID, "userID")
}

// UserIDFromContext extracts the user ID from context.
func UserIDFromContext(ctx context.Context) string { return valueOf(ctx, userKey) }

// WithRole adds the acting user's role to context.
// Panics if role fails ValidateRole.
func WithRole(ctx context.Context, role string) context.Context {
	if err := ValidateRole(role); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	return context.WithValue(ctx, roleKey, strings.TrimSpace(role))
}

// RoleFromContext extracts the acting user's role from context.
func RoleFromContext(ctx context.Context) string { return valueOf(ctx, roleKey) }

// WithSessionID adds the agent session ID to context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return withID(ctx, sessionKey, sessionID, "sessionID")
}

// SessionIDFromContext extracts the session ID from context.
func SessionIDFromContext(ctx context.Context) string { return valueOf(ctx, sessionKey) }

// WithCorrelationID adds a correlation ID to context. Request IDs assigned by
// the HTTP layer are carried here.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return withID(ctx, correlationKey, correlationID, "correlationID")
}

// CorrelationIDFromContext extracts the correlation ID from context.
func CorrelationIDFromContext(ctx context.Context) string { return valueOf(ctx, correlationKey) }

// ContextFields returns the trace and identity fields present in ctx.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 7)

	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	for _, f := range []struct {
		key string
		k   ctxKey
	}{
		{"tenant.id", tenantKey},
		{"user.id", userKey},
		{"user.role", roleKey},
		{"session.id", sessionKey},
		{"correlation.id", correlationKey},
	} {
		if v := valueOf(ctx, f.k); v != "" {
			fields = append(fields, zap.String(f.key, v))
		}
	}
	return fields
}
