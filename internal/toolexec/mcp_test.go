package toolexec

import (
	"context"
	"errors"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/regcycle/internal/faults"
)

type submitInput struct {
	ReportID string `json:"report_id" jsonschema:"Report to submit"`
}

type submitOutput struct {
	SubmissionID string `json:"submission_id"`
	ReportID     string `json:"report_id"`
}

// newTestMCPBackend starts an in-memory MCP server exposing submit_report
// and reject_report, and returns a backend connected to it.
func newTestMCPBackend(t *testing.T) *MCPBackend {
	t.Helper()
	ctx := context.Background()

	server := mcp.NewServer(&mcp.Implementation{Name: "regulator-tools", Version: "1.0.0"}, nil)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "submit_report",
		Description: "Submit a report to the regulator",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in submitInput) (*mcp.CallToolResult, submitOutput, error) {
		return nil, submitOutput{SubmissionID: "sub-" + in.ReportID, ReportID: in.ReportID}, nil
	})
	mcp.AddTool(server, &mcp.Tool{
		Name:        "reject_report",
		Description: "Always fails",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in submitInput) (*mcp.CallToolResult, submitOutput, error) {
		return nil, submitOutput{}, errors.New("regulator rejected the filing")
	})

	clientTransport, serverTransport := mcp.NewInMemoryTransports()
	session, err := server.Connect(ctx, serverTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	backend := NewMCPBackendWithTransport(func(ctx context.Context) (mcp.Transport, error) {
		return clientTransport, nil
	}, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = backend.Close() })
	return backend
}

func TestMCPBackend_CallTool(t *testing.T) {
	backend := newTestMCPBackend(t)

	out, err := backend.Call(context.Background(), "submit_report", map[string]interface{}{"report_id": "r-9"})

	require.NoError(t, err)
	assert.Equal(t, "sub-r-9", out["submission_id"])
	assert.Equal(t, "r-9", out["report_id"])
}

func TestMCPBackend_ToolErrorIsNotRetryable(t *testing.T) {
	backend := newTestMCPBackend(t)

	_, err := backend.Call(context.Background(), "reject_report", map[string]interface{}{"report_id": "r-9"})

	require.Error(t, err)
	var fe *faults.Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, faults.KindToolExecution, fe.Kind)
	assert.Equal(t, "tool_error", fe.Code)
	assert.False(t, fe.Retryable)
	assert.Contains(t, err.Error(), "regulator rejected the filing")
}

func TestMCPBackend_ThroughGateway(t *testing.T) {
	backend := newTestMCPBackend(t)
	g, sleeper := newTestGateway(t, backend, DefaultConfig())

	out, err := g.Execute(context.Background(), Request{
		ToolName:   "submit_report",
		Parameters: map[string]interface{}{"report_id": "r-1"},
		TenantID:   "acme",
	})
	require.NoError(t, err)
	assert.Equal(t, "sub-r-1", out.Data["submission_id"])

	out, err = g.Execute(context.Background(), Request{
		ToolName:   "reject_report",
		Parameters: map[string]interface{}{"report_id": "r-1"},
		TenantID:   "acme",
	})
	require.Error(t, err)
	assert.False(t, out.Retryable)
	assert.Equal(t, 1, out.Attempts)
	assert.Empty(t, sleeper.delays)
}

func TestNewMCPBackend_RequiresEndpoint(t *testing.T) {
	_, err := NewMCPBackend("", nil)
	require.Error(t, err)
}

func TestMCPBackend_Ping(t *testing.T) {
	backend := newTestMCPBackend(t)
	require.NoError(t, backend.Ping(context.Background()))

	down := NewMCPBackendWithTransport(func(ctx context.Context) (mcp.Transport, error) {
		return nil, errors.New("connection refused")
	}, zaptest.NewLogger(t))
	err := down.Ping(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}
