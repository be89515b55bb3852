package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/regcycle/internal/config"
	"github.com/fyrsmithlabs/regcycle/internal/domain"
	"github.com/fyrsmithlabs/regcycle/internal/humangate"
	"github.com/fyrsmithlabs/regcycle/internal/orchestrator"
	"github.com/fyrsmithlabs/regcycle/internal/resilience"
	"github.com/fyrsmithlabs/regcycle/internal/telemetry"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	server, err := natsserver.NewServer(&natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)

	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func TestConfigMappers(t *testing.T) {
	cfg := config.Default()

	assert.Equal(t, humangate.DefaultConfig(), gateConfig(cfg))

	oc := orchestratorConfig(cfg)
	assert.Equal(t, 72*time.Hour, oc.TaskDue)
	assert.Equal(t, 3, oc.MaxEscalationLevel)
	assert.Equal(t, 3, oc.StepRetry.MaxAttempts)

	cfg.Executor.RateLimit = 5
	cfg.Executor.Burst = 2
	cfg.Retry.BaseDelay = config.Duration(250 * time.Millisecond)
	cfg.Retry.Jitter = true
	gc := gatewayConfig(cfg)
	assert.Equal(t, 30*time.Second, gc.Timeout)
	assert.Equal(t, 5.0, gc.RateLimit)
	assert.Equal(t, 2, gc.Burst)
	assert.Equal(t, 250*time.Millisecond, gc.Retry.BaseDelay)
	assert.True(t, gc.Retry.Jitter)
	assert.NotEmpty(t, gc.Retry.RetryableCategories)
}

func TestSweepConfig(t *testing.T) {
	cfg := config.Default()
	_, err := sweepConfig(cfg)
	require.ErrorIs(t, err, errNoSweepTenants)

	cfg.Orchestrator.SweepTenants = []string{"acme", "globex"}
	sc, err := sweepConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"acme", "globex"}, sc.TenantIDs)
	assert.Equal(t, 15*time.Minute, sc.Interval)
	assert.Zero(t, sc.Rounds)
}

func TestNewLogger(t *testing.T) {
	cfg := config.Default()
	tel, err := telemetry.New(context.Background(), telemetry.FromObservability(cfg.Observability, "test"))
	require.NoError(t, err)

	cfg.Logging.Level = "debug"
	cfg.Logging.Format = "console"
	logger, err := newLogger(cfg, tel)
	require.NoError(t, err)
	assert.True(t, logger.Enabled(zapcore.DebugLevel))

	cfg.Logging.Level = "loud"
	_, err = newLogger(cfg, tel)
	require.Error(t, err)
}

func startPlan() orchestrator.StartCycleRequest {
	return orchestrator.StartCycleRequest{
		TenantID:  "acme",
		ReportID:  "FR-2052a",
		PeriodEnd: time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC),
		Steps: []orchestrator.StepPlan{
			{ID: "gather", Name: "Gather positions", Phase: domain.PhaseDataGathering, AgentType: "collector"},
		},
	}
}

func TestBuildApp_Local(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.Executor.Agents = []string{"collector"}

	a, err := buildApp(ctx, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(a.Close)

	assert.Nil(t, a.natsConn)
	assert.Nil(t, a.mcpBackend)
	assert.Equal(t, resilience.LevelFull, a.engine.GetSystemHealth(ctx).Level)

	cycle, err := a.engine.StartCycle(ctx, startPlan())
	require.NoError(t, err)
	assert.Equal(t, domain.CycleActive, cycle.Status)
	assert.Contains(t, a.auditLog.Kinds("acme"), domain.EpisodeCycleStarted)
}

func TestBuildApp_NATSAudit(t *testing.T) {
	ctx := context.Background()
	server := startTestNATSServer(t)

	sub, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	t.Cleanup(sub.Close)
	msgs, err := sub.SubscribeSync("audit.acme.cycle_started")
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	cfg := config.Default()
	cfg.NATS.URL = server.ClientURL()

	a, err := buildApp(ctx, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(a.Close)
	require.NotNil(t, a.natsConn)

	health := a.engine.GetSystemHealth(ctx)
	assert.Equal(t, resilience.LevelFull, health.Level)
	assert.True(t, health.Services[auditBusService].Available)

	cycle, err := a.engine.StartCycle(ctx, startPlan())
	require.NoError(t, err)
	require.NoError(t, a.natsConn.Flush())

	msg, err := msgs.NextMsg(2 * time.Second)
	require.NoError(t, err)
	var ep domain.AuditEpisode
	require.NoError(t, json.Unmarshal(msg.Data, &ep))
	assert.Equal(t, domain.EpisodeCycleStarted, ep.Kind)
	assert.Equal(t, cycle.ID, ep.SubjectID)
}

func TestBuildApp_NATSUnreachableDegrades(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.NATS.URL = "nats://127.0.0.1:1"

	a, err := buildApp(ctx, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(a.Close)

	health := a.engine.GetSystemHealth(ctx)
	assert.False(t, health.Services[auditBusService].Available)
	assert.Equal(t, resilience.LevelPartial, health.Level)
}
