// Package toolexec executes the tools behind approved human gate actions.
//
// A Gateway wraps a Backend with rate limiting, per-attempt timeouts, retry
// with backoff and an optional fallback backend routed through the
// degradation manager. Backends either call tools in process (LocalBackend)
// or on a remote MCP server (MCPBackend).
package toolexec

import (
	"context"
	"sort"
	"sync"

	"github.com/fyrsmithlabs/regcycle/internal/faults"
)

// Request describes one tool invocation.
type Request struct {
	ToolName      string
	Parameters    map[string]interface{}
	TenantID      string
	ActionID      string
	CorrelationID string
}

// Backend runs a tool and returns its output.
type Backend interface {
	Call(ctx context.Context, toolName string, params map[string]interface{}) (map[string]interface{}, error)
}

// HealthChecker is implemented by backends that can report whether they are
// reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// HandlerFunc implements one in-process tool.
type HandlerFunc func(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error)

// LocalBackend dispatches tools to registered in-process handlers.
type LocalBackend struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

var _ Backend = (*LocalBackend)(nil)

// NewLocalBackend creates an empty backend.
func NewLocalBackend() *LocalBackend {
	return &LocalBackend{handlers: make(map[string]HandlerFunc)}
}

// Register adds or replaces the handler for a tool.
func (b *LocalBackend) Register(toolName string, h HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[toolName] = h
}

// Tools returns the registered tool names, sorted.
func (b *LocalBackend) Tools() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.handlers))
	for n := range b.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Call implements Backend.
func (b *LocalBackend) Call(ctx context.Context, toolName string, params map[string]interface{}) (map[string]interface{}, error) {
	b.mu.RLock()
	h, ok := b.handlers[toolName]
	b.mu.RUnlock()
	if !ok {
		return nil, faults.Validation("toolexec.local", "no handler registered for tool %q", toolName)
	}
	return h(ctx, params)
}
