package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/regcycle/internal/domain"
	"github.com/fyrsmithlabs/regcycle/internal/logging"
)

// startTestNATSServer starts an embedded NATS server for testing.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1, // Random port
		NoLog:  true,
		NoSigs: true,
	}

	server, err := natsserver.NewServer(opts)
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

func TestRecorder_StampsEpisode(t *testing.T) {
	sink := NewMemorySink()
	rec := NewRecorder(sink, nil)
	fixed := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	rec.SetClock(func() time.Time { return fixed })

	ctx := logging.WithTenantID(context.Background(), "acme")
	ctx = logging.WithUserID(ctx, "steward-1")
	ctx = logging.WithCorrelationID(ctx, "req-1")

	require.NoError(t, rec.Record(ctx, domain.AuditEpisode{
		Kind:        domain.EpisodeCycleStarted,
		SubjectType: "cycle",
		SubjectID:   "c-1",
	}))

	got, err := sink.QueryBySubject(ctx, "acme", "c-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.NotEmpty(t, got[0].ID)
	assert.Equal(t, fixed, got[0].Timestamp)
	assert.Equal(t, "steward-1", got[0].UserID)
	assert.Equal(t, "req-1", got[0].CorrelationID)
}

func TestRecorder_NilSinkDiscards(t *testing.T) {
	rec := NewRecorder(nil, nil)
	assert.NoError(t, rec.Record(context.Background(), domain.AuditEpisode{Kind: domain.EpisodeCycleStarted}))

	var nilRec *Recorder
	assert.NoError(t, nilRec.Record(context.Background(), domain.AuditEpisode{}))
}

type failingSink struct{ err error }

func (f failingSink) Append(context.Context, *domain.AuditEpisode) error { return f.err }

func TestMultiSink_AttemptsAllSinks(t *testing.T) {
	mem := NewMemorySink()
	boom := errors.New("disk full")
	multi := MultiSink{failingSink{boom}, mem}

	err := multi.Append(context.Background(), &domain.AuditEpisode{TenantID: "t", Kind: domain.EpisodeTaskCreated})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, mem.Len())
}

func TestMemorySink_QueryByTenant(t *testing.T) {
	ctx := context.Background()
	sink := NewMemorySink()

	require.NoError(t, sink.Append(ctx, &domain.AuditEpisode{TenantID: "a", Kind: domain.EpisodeCycleStarted}))
	require.NoError(t, sink.Append(ctx, &domain.AuditEpisode{TenantID: "b", Kind: domain.EpisodeCycleStarted}))
	require.NoError(t, sink.Append(ctx, &domain.AuditEpisode{TenantID: "a", Kind: domain.EpisodeCyclePaused}))

	got, err := sink.QueryByTenant(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, []domain.EpisodeKind{domain.EpisodeCycleStarted, domain.EpisodeCyclePaused}, sink.Kinds("a"))
}

func TestNATSSink_PublishesToTenantSubject(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	sub, err := nc.SubscribeSync("audit.acme.>")
	require.NoError(t, err)

	sink, err := NewNATSSink(nc, "")
	require.NoError(t, err)

	ep := &domain.AuditEpisode{
		ID:          "ep-1",
		TenantID:    "acme",
		Kind:        domain.EpisodeActionDecided,
		SubjectType: "action",
		SubjectID:   "a-1",
		Outcome:     "approved",
	}
	require.NoError(t, sink.Append(context.Background(), ep))

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "audit.acme.action_decided", msg.Subject)

	var got domain.AuditEpisode
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, "a-1", got.SubjectID)
	assert.Equal(t, "approved", got.Outcome)
}

func TestNATSSink_SubjectSanitizesTokens(t *testing.T) {
	sink := &NATSSink{prefix: "audit"}
	assert.Equal(t, "audit.acme_eu.cycle_started", sink.Subject(&domain.AuditEpisode{TenantID: "acme.eu", Kind: domain.EpisodeCycleStarted}))
	assert.Equal(t, "audit._.cycle_started", sink.Subject(&domain.AuditEpisode{Kind: domain.EpisodeCycleStarted}))
}

func TestNewNATSSink_RequiresConnection(t *testing.T) {
	_, err := NewNATSSink(nil, "audit")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nats connection is required")
}
