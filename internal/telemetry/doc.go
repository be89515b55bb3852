// Package telemetry sets up the OpenTelemetry tracer and meter providers
// for regcycled.
//
// Services do not hold a *Telemetry; they call otel.Tracer and otel.Meter,
// which resolve to the providers New installs globally. When telemetry is
// disabled those calls stay no-ops. Exporter failures never stop the daemon:
// New records the failure, reports Degraded and carries on without that
// signal.
package telemetry
