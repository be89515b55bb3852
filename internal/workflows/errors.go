package workflows

import (
	"fmt"

	"go.temporal.io/sdk/temporal"

	"github.com/fyrsmithlabs/regcycle/internal/faults"
)

// SweepStage names the part of a tenant sweep that failed.
type SweepStage string

const (
	StageEscalate SweepStage = "escalate"
	StageExpire   SweepStage = "expire"
)

// SweepError is a failure of one stage of one tenant's sweep.
type SweepError struct {
	TenantID string
	Stage    SweepStage
	Err      error
}

func (e *SweepError) Error() string {
	return fmt.Sprintf("sweep tenant %s: %s: %v", e.TenantID, e.Stage, e.Err)
}

func (e *SweepError) Unwrap() error { return e.Err }

// activityError wraps a stage failure for Temporal. Engine errors of a
// non-transient kind cannot succeed on retry and are marked non-retryable
// with the kind as the error type; anything else is left to the retry
// policy.
func activityError(tenantID string, stage SweepStage, err error) error {
	se := &SweepError{TenantID: tenantID, Stage: stage, Err: err}
	if kind := faults.KindOf(err); kind != "" && !kind.Transient() {
		return temporal.NewNonRetryableApplicationError(se.Error(), string(kind), se)
	}
	return se
}
