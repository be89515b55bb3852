package workflows

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/regcycle/internal/domain"
)

// Escalator escalates overdue human tasks.
type Escalator interface {
	EscalateOverdue(ctx context.Context, tenantID string, now time.Time) ([]*domain.HumanTask, error)
}

// Expirer archives pending approvals past their expiry.
type Expirer interface {
	ExpireOverdue(ctx context.Context, tenantID string) (int, error)
}

// SweepTenantInput is the input of SweepTenantActivity.
type SweepTenantInput struct {
	TenantID string
	Now      time.Time
}

// SweepTenantResult reports the work done for one tenant.
type SweepTenantResult struct {
	Escalated    int
	EscalatedIDs []string
	Expired      int
	Errors       []string
}

// SweepActivities holds the dependencies of the sweep activities.
type SweepActivities struct {
	Escalator Escalator
	Expirer   Expirer
	Logger    *zap.Logger
	// Meter overrides the global meter provider.
	Meter metric.Meter
}

// SweepTenantActivity escalates overdue tasks and expires stale approvals for
// one tenant.
//
// An escalation failure fails the activity so Temporal retries it. An expiry
// failure is recorded in the result and the escalation work already done is
// kept.
func (a *SweepActivities) SweepTenantActivity(ctx context.Context, input SweepTenantInput) (*SweepTenantResult, error) {
	if input.TenantID == "" {
		return nil, temporal.NewNonRetryableApplicationError("tenant id is required", "invalid_input", nil)
	}
	began := time.Now()
	m := a.metrics()
	logger := a.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := input.Now
	if now.IsZero() {
		now = time.Now()
	}

	result := &SweepTenantResult{}

	if a.Escalator != nil {
		tasks, err := a.Escalator.EscalateOverdue(ctx, input.TenantID, now)
		if err != nil {
			m.failed(ctx, input.TenantID, StageEscalate)
			return nil, activityError(input.TenantID, StageEscalate, err)
		}
		for _, t := range tasks {
			result.EscalatedIDs = append(result.EscalatedIDs, t.ID)
		}
		result.Escalated = len(tasks)
	}

	if a.Expirer != nil {
		n, err := a.Expirer.ExpireOverdue(ctx, input.TenantID)
		if err != nil {
			m.failed(ctx, input.TenantID, StageExpire)
			logger.Warn("failed to expire overdue actions",
				zap.String("tenant_id", input.TenantID),
				zap.Error(err),
			)
			result.Errors = append(result.Errors, (&SweepError{TenantID: input.TenantID, Stage: StageExpire, Err: err}).Error())
		}
		result.Expired = n
	}

	m.swept(ctx, input.TenantID, result, time.Since(began))
	logger.Info("tenant swept",
		zap.String("tenant_id", input.TenantID),
		zap.Int("escalated", result.Escalated),
		zap.Int("expired", result.Expired),
	)
	return result, nil
}
