package toolexec

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/regcycle/internal/faults"
)

// MCPBackend calls tools on a remote MCP server. The session is opened
// lazily and re-opened after a transport failure.
type MCPBackend struct {
	client  *mcp.Client
	connect func(ctx context.Context) (mcp.Transport, error)
	logger  *zap.Logger

	mu      sync.Mutex
	session *mcp.ClientSession
}

var (
	_ Backend       = (*MCPBackend)(nil)
	_ HealthChecker = (*MCPBackend)(nil)
)

// NewMCPBackend creates a backend for the streamable HTTP endpoint.
func NewMCPBackend(endpoint string, logger *zap.Logger) (*MCPBackend, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("mcp endpoint is required")
	}
	return NewMCPBackendWithTransport(func(ctx context.Context) (mcp.Transport, error) {
		return &mcp.StreamableClientTransport{Endpoint: endpoint}, nil
	}, logger), nil
}

// NewMCPBackendWithTransport creates a backend that obtains a fresh
// transport from connect whenever a session must be opened.
func NewMCPBackendWithTransport(connect func(ctx context.Context) (mcp.Transport, error), logger *zap.Logger) *MCPBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MCPBackend{
		client: mcp.NewClient(&mcp.Implementation{
			Name:    "regcycle-toolexec",
			Version: "1.0.0",
		}, nil),
		connect: connect,
		logger:  logger,
	}
}

func (b *MCPBackend) sessionFor(ctx context.Context) (*mcp.ClientSession, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session != nil {
		return b.session, nil
	}
	transport, err := b.connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create mcp transport: %w", err)
	}
	session, err := b.client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mcp server: %w", err)
	}
	b.session = session
	return session, nil
}

// Ping checks the remote server, reconnecting if needed.
func (b *MCPBackend) Ping(ctx context.Context) error {
	session, err := b.sessionFor(ctx)
	if err != nil {
		return err
	}
	if err := session.Ping(ctx, nil); err != nil {
		b.reset()
		return fmt.Errorf("mcp ping failed: %w", err)
	}
	return nil
}

func (b *MCPBackend) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session != nil {
		_ = b.session.Close()
		b.session = nil
	}
}

// Call implements Backend. Transport failures are retryable
// ToolExecutionErrors; a tool reporting IsError is a non-retryable one
// carrying the tool's message.
func (b *MCPBackend) Call(ctx context.Context, toolName string, params map[string]interface{}) (map[string]interface{}, error) {
	const op = "toolexec.mcp"

	session, err := b.sessionFor(ctx)
	if err != nil {
		return nil, faults.ToolExecution(op, "connect_failed", err)
	}

	res, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      toolName,
		Arguments: params,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, faults.Wrap(faults.KindTimeout, op, err)
		}
		b.logger.Warn("mcp call failed, resetting session",
			zap.String("tool", toolName),
			zap.Error(err),
		)
		b.reset()
		return nil, faults.ToolExecution(op, "transport_error", err)
	}

	if res.IsError {
		e := faults.ToolExecution(op, "tool_error", fmt.Errorf("%s", textOf(res)))
		e.Retryable = false
		return nil, e
	}
	return outputOf(res), nil
}

// Close terminates the session, if any.
func (b *MCPBackend) Close() error {
	b.reset()
	return nil
}

func joinText(res *mcp.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func textOf(res *mcp.CallToolResult) string {
	if t := joinText(res); t != "" {
		return t
	}
	return "tool reported an error"
}

// outputOf prefers structured content and falls back to text content,
// decoded as a JSON object when possible.
func outputOf(res *mcp.CallToolResult) map[string]interface{} {
	if res.StructuredContent != nil {
		if m, ok := res.StructuredContent.(map[string]interface{}); ok {
			return m
		}
		if data, err := json.Marshal(res.StructuredContent); err == nil {
			var m map[string]interface{}
			if json.Unmarshal(data, &m) == nil {
				return m
			}
		}
	}
	text := joinText(res)
	if text == "" {
		return map[string]interface{}{}
	}
	var m map[string]interface{}
	if json.Unmarshal([]byte(text), &m) == nil {
		return m
	}
	return map[string]interface{}{"text": text}
}
