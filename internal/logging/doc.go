// Package logging builds the regcycled zap logger and carries caller identity
// through request contexts.
//
// Identity (tenant, user, role, session and correlation id) is attached to a
// context once at the edge, by the HTTP identity middleware or the MCP tool
// wrapper, and read back by the orchestrator, the gate and the audit recorder.
// ContextFields turns it into log fields:
//
//	ctx = logging.WithTenantID(ctx, "acme")
//	ctx = logging.WithUserID(ctx, "cfo-1")
//	logger.Info("decision recorded", append(logging.ContextFields(ctx),
//	    zap.String("action_id", id))...)
//
// Loggers built by NewLogger redact sensitive keys (signatures, tokens) and
// matching values on every write, and can tee into an OpenTelemetry log
// provider. Error and above are never sampled.
package logging
