// Package audit records append-only audit episodes for every state change of
// cycles, tasks and human gate actions.
//
// Episodes flow through a Recorder, which stamps identifiers, timestamps and
// request identity from context, into one or more Sinks. MemorySink keeps
// episodes queryable in process; NATSSink publishes them to
// "<prefix>.<tenant>.<kind>" for downstream archiving.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/regcycle/internal/domain"
	"github.com/fyrsmithlabs/regcycle/internal/logging"
)

// Sink stores audit episodes. Implementations are append-only.
type Sink interface {
	Append(ctx context.Context, ep *domain.AuditEpisode) error
}

// Querier reads audit episodes back.
type Querier interface {
	QueryBySubject(ctx context.Context, tenantID, subjectID string) ([]*domain.AuditEpisode, error)
	QueryByTenant(ctx context.Context, tenantID string) ([]*domain.AuditEpisode, error)
}

// MultiSink fans an episode out to every sink. All sinks are attempted; the
// returned error joins every failure.
type MultiSink []Sink

// Append implements Sink.
func (m MultiSink) Append(ctx context.Context, ep *domain.AuditEpisode) error {
	var errs []error
	for _, s := range m {
		if err := s.Append(ctx, ep); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder stamps and forwards episodes to a sink.
type Recorder struct {
	sink   Sink
	now    func() time.Time
	logger *zap.Logger
}

// NewRecorder creates a recorder. A nil sink discards episodes.
func NewRecorder(sink Sink, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{sink: sink, now: time.Now, logger: logger}
}

// SetClock replaces time.Now. Intended for tests.
func (r *Recorder) SetClock(now func() time.Time) {
	r.now = now
}

// Record fills in ID, Timestamp and request identity, then appends the
// episode. Sink failures are logged and returned; callers that must not fail
// on audit errors may ignore the result.
func (r *Recorder) Record(ctx context.Context, ep domain.AuditEpisode) error {
	if r == nil || r.sink == nil {
		return nil
	}
	if ep.ID == "" {
		ep.ID = uuid.New().String()
	}
	if ep.Timestamp.IsZero() {
		ep.Timestamp = r.now().UTC()
	}
	if ep.TenantID == "" {
		ep.TenantID = logging.TenantIDFromContext(ctx)
	}
	if ep.UserID == "" {
		ep.UserID = logging.UserIDFromContext(ctx)
	}
	if ep.SessionID == "" {
		ep.SessionID = logging.SessionIDFromContext(ctx)
	}
	if ep.CorrelationID == "" {
		ep.CorrelationID = logging.CorrelationIDFromContext(ctx)
	}

	if err := r.sink.Append(ctx, &ep); err != nil {
		r.logger.Error("failed to append audit episode",
			zap.String("kind", string(ep.Kind)),
			zap.String("subject_id", ep.SubjectID),
			zap.String("tenant_id", ep.TenantID),
			zap.Error(err),
		)
		return err
	}
	return nil
}
