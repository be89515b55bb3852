package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/regcycle/internal/domain"
	"github.com/fyrsmithlabs/regcycle/internal/faults"
)

// CriticalIssueGate blocks completion while a critical issue on the cycle's
// report is open or in progress.
type CriticalIssueGate struct{}

// NewCriticalIssueGate creates a new critical issue gate
func NewCriticalIssueGate() *CriticalIssueGate {
	return &CriticalIssueGate{}
}

// Name returns the gate identifier
func (g *CriticalIssueGate) Name() string {
	return "critical-issue-gate"
}

// Check reports one violation per blocking issue.
func (g *CriticalIssueGate) Check(ctx context.Context, state *GateState) ([]Violation, error) {
	var violations []Violation
	for _, issue := range state.Issues {
		if issue.Severity != domain.SeverityCritical || !issue.Status.Unresolved() {
			continue
		}
		violations = append(violations, Violation{
			Type:        ViolationCriticalIssueOpen,
			Gate:        g.Name(),
			SubjectID:   issue.ID,
			Description: fmt.Sprintf("critical issue %s is %s", issue.ID, issue.Status),
			Severity:    SeverityCritical,
			DetectedAt:  state.Now,
		})
	}
	return violations, nil
}

// AttestationGate requires an approved attestation by an executive role
// before a cycle in the submission phase completes.
type AttestationGate struct{}

// NewAttestationGate creates a new attestation gate
func NewAttestationGate() *AttestationGate {
	return &AttestationGate{}
}

// Name returns the gate identifier
func (g *AttestationGate) Name() string {
	return "attestation-gate"
}

// Check validates the attestation.
func (g *AttestationGate) Check(ctx context.Context, state *GateState) ([]Violation, error) {
	if state.Cycle.CurrentPhase != domain.PhaseSubmission {
		return []Violation{}, nil
	}

	var open []string
	for _, t := range state.Tasks {
		if t.Type != domain.TaskAttestation || !domain.IsAttestationRole(t.AssigneeRole) {
			continue
		}
		if t.Status == domain.TaskCompleted && t.Decision != nil && t.Decision.Outcome == domain.OutcomeApproved {
			return []Violation{}, nil
		}
		open = append(open, t.ID)
	}

	if len(open) == 0 {
		return []Violation{{
			Type:        ViolationAttestationMissing,
			Gate:        g.Name(),
			SubjectID:   state.Cycle.ID,
			Description: fmt.Sprintf("submission requires an attestation by one of %s", strings.Join(domain.AttestationRoles, ", ")),
			Severity:    SeverityError,
			DetectedAt:  state.Now,
		}}, nil
	}
	return []Violation{{
		Type:        ViolationAttestationIncomplete,
		Gate:        g.Name(),
		SubjectID:   open[0],
		Description: fmt.Sprintf("attestation task %s is not approved", strings.Join(open, ", ")),
		Severity:    SeverityError,
		DetectedAt:  state.Now,
	}}, nil
}

// CompletenessGate requires the cycle to be active in the final phase with
// every step and checkpoint done.
type CompletenessGate struct{}

// NewCompletenessGate creates a new completeness gate
func NewCompletenessGate() *CompletenessGate {
	return &CompletenessGate{}
}

// Name returns the gate identifier
func (g *CompletenessGate) Name() string {
	return "completeness-gate"
}

// Check validates steps, checkpoints and phase.
func (g *CompletenessGate) Check(ctx context.Context, state *GateState) ([]Violation, error) {
	var violations []Violation
	c := state.Cycle

	if c.Status == domain.CyclePaused {
		violations = append(violations, Violation{
			Type:        ViolationCyclePaused,
			Gate:        g.Name(),
			SubjectID:   c.ID,
			Description: "cycle is paused: " + c.PauseReason,
			Severity:    SeverityError,
			DetectedAt:  state.Now,
		})
	}

	var incomplete []string
	for _, s := range c.Steps {
		if s.Status != domain.StepCompleted {
			incomplete = append(incomplete, fmt.Sprintf("%s (%s)", s.ID, s.Status))
		}
	}
	if len(incomplete) > 0 {
		violations = append(violations, Violation{
			Type:        ViolationStepsIncomplete,
			Gate:        g.Name(),
			SubjectID:   c.ID,
			Description: "incomplete steps: " + strings.Join(incomplete, ", "),
			Severity:    SeverityError,
			DetectedAt:  state.Now,
		})
	}

	var pending []string
	for _, cp := range c.Checkpoints {
		if cp.Status == domain.CheckpointPending {
			pending = append(pending, cp.ID)
		}
	}
	if len(pending) > 0 {
		violations = append(violations, Violation{
			Type:        ViolationCheckpointsIncomplete,
			Gate:        g.Name(),
			SubjectID:   c.ID,
			Description: "pending checkpoints: " + strings.Join(pending, ", "),
			Severity:    SeverityError,
			DetectedAt:  state.Now,
		})
	}

	if last := domain.AllPhases()[len(domain.AllPhases())-1]; c.CurrentPhase != last {
		violations = append(violations, Violation{
			Type:        ViolationPhaseNotFinal,
			Gate:        g.Name(),
			SubjectID:   c.ID,
			Description: fmt.Sprintf("cycle is in phase %s, not %s", c.CurrentPhase, last),
			Severity:    SeverityError,
			DetectedAt:  state.Now,
		})
	}
	return violations, nil
}

// DefaultGates returns the completion gates in evaluation order.
func DefaultGates() []CompletionGate {
	return []CompletionGate{
		NewCriticalIssueGate(),
		NewAttestationGate(),
		NewCompletenessGate(),
	}
}

// violationError converts the first blocking violation into a typed error
// whose message lists every violation of the same type.
func violationError(op string, violations []Violation) error {
	for _, v := range violations {
		if v.Severity == SeverityWarning {
			continue
		}
		var parts []string
		for _, o := range violations {
			if o.Type == v.Type {
				parts = append(parts, o.Description)
			}
		}
		return faults.New(v.Type.Kind(), op, "%s", strings.Join(parts, "; "))
	}
	return nil
}

// describeViolations creates a summary of violations
func describeViolations(violations []Violation) string {
	if len(violations) == 0 {
		return ""
	}
	var parts []string
	for _, v := range violations {
		parts = append(parts, fmt.Sprintf("[%s] %s", v.Type, v.Description))
	}
	return strings.Join(parts, "; ")
}
