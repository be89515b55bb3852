// Package services provides the Engine, the caller-facing facade of
// regcycle.
//
// The Engine fronts the cycle orchestrator, the human gate service and the
// degradation manager. Transports (HTTP API, MCP tools, CLI) call the Engine
// rather than the individual services, so a human decision is always applied
// to both the gate and the cycle step waiting on it.
package services
