// Package workflows provides Temporal workflow definitions for regcycle
// background maintenance.
package workflows

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// TaskQueue is the Temporal task queue served by the regcycle worker.
const TaskQueue = "regcycle-sweep-queue"

// maxRoundsPerRun bounds workflow history before continuing as new.
const maxRoundsPerRun = 100

// SweepConfig configures the escalation sweep workflow.
type SweepConfig struct {
	TenantIDs []string      // Tenants to sweep each round
	Interval  time.Duration // Wait between rounds
	Rounds    int           // Rounds to run; 0 runs forever
}

// SweepResult aggregates the work done by a sweep run.
type SweepResult struct {
	Rounds    int      // Rounds completed in this run
	Escalated int      // Tasks escalated
	Expired   int      // Pending actions expired
	Errors    []string // Per-tenant failures
}

// EscalationSweepWorkflow periodically escalates overdue human tasks and
// expires pending approvals that are past their window.
//
// Each round runs one SweepTenantActivity per tenant. A failing tenant is
// recorded and the round continues with the next one. With Rounds set to 0
// the workflow continues as new every maxRoundsPerRun rounds.
func EscalationSweepWorkflow(ctx workflow.Context, config SweepConfig) (*SweepResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting escalation sweep",
		"tenants", len(config.TenantIDs),
		"interval", config.Interval,
		"rounds", config.Rounds)

	if len(config.TenantIDs) == 0 {
		return nil, temporal.NewNonRetryableApplicationError("no tenants to sweep", "invalid_config", nil)
	}
	if config.Interval <= 0 {
		config.Interval = 15 * time.Minute
	}

	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 3,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	var activities *SweepActivities
	result := &SweepResult{}

	limit := config.Rounds
	if limit <= 0 || limit > maxRoundsPerRun {
		limit = maxRoundsPerRun
	}

	for round := 0; round < limit; round++ {
		if round > 0 {
			if err := workflow.Sleep(ctx, config.Interval); err != nil {
				return result, err
			}
		}

		now := workflow.Now(ctx)
		for _, tenantID := range config.TenantIDs {
			var out SweepTenantResult
			err := workflow.ExecuteActivity(ctx, activities.SweepTenantActivity, SweepTenantInput{
				TenantID: tenantID,
				Now:      now,
			}).Get(ctx, &out)
			if err != nil {
				// HIGH: record and continue with the next tenant
				logger.Error("Tenant sweep failed", "tenant", tenantID, "error", err)
				result.Errors = append(result.Errors, fmt.Sprintf("sweep tenant %s: %v", tenantID, err))
				continue
			}
			result.Escalated += out.Escalated
			result.Expired += out.Expired
			result.Errors = append(result.Errors, out.Errors...)
		}
		result.Rounds++
	}

	logger.Info("Escalation sweep complete",
		"rounds", result.Rounds,
		"escalated", result.Escalated,
		"expired", result.Expired,
		"errors", len(result.Errors))

	if config.Rounds <= 0 {
		return result, workflow.NewContinueAsNewError(ctx, EscalationSweepWorkflow, config)
	}
	if config.Rounds > maxRoundsPerRun {
		next := config
		next.Rounds = config.Rounds - maxRoundsPerRun
		return result, workflow.NewContinueAsNewError(ctx, EscalationSweepWorkflow, next)
	}
	return result, nil
}
