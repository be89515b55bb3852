package main

import (
	"context"
	"errors"
	"fmt"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/regcycle/internal/config"
	"github.com/fyrsmithlabs/regcycle/internal/workflows"
)

// sweepWorkflowID is fixed so restarts attach to the running sweep instead
// of starting a second one.
const sweepWorkflowID = "regcycle-escalation-sweep"

var errNoSweepTenants = errors.New("orchestrator.sweep_tenants is required when temporal is configured")

// sweepConfig maps configuration to the sweep workflow input. Rounds is 0 so
// the workflow runs until cancelled.
func sweepConfig(cfg *config.Config) (workflows.SweepConfig, error) {
	if len(cfg.Orchestrator.SweepTenants) == 0 {
		return workflows.SweepConfig{}, errNoSweepTenants
	}
	return workflows.SweepConfig{
		TenantIDs: cfg.Orchestrator.SweepTenants,
		Interval:  cfg.Orchestrator.EscalationSweepInterval.Duration(),
	}, nil
}

// startSweepWorker connects to Temporal, registers the escalation sweep and
// ensures one sweep execution is running. The returned func stops the worker
// and closes the client.
func startSweepWorker(ctx context.Context, cfg *config.Config, a *app, logger *zap.Logger) (func(), error) {
	input, err := sweepConfig(cfg)
	if err != nil {
		return nil, err
	}

	c, err := client.Dial(client.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to create Temporal client: %w", err)
	}
	logger.Info("temporal client connected",
		zap.String("host", cfg.Temporal.HostPort),
		zap.String("namespace", cfg.Temporal.Namespace))

	w := worker.New(c, cfg.Temporal.TaskQueue, worker.Options{})
	w.RegisterWorkflow(workflows.EscalationSweepWorkflow)
	w.RegisterActivity(&workflows.SweepActivities{
		Escalator: a.orch,
		Expirer:   a.engine,
		Logger:    logger,
	})

	if err := w.Start(); err != nil {
		c.Close()
		return nil, fmt.Errorf("worker start: %w", err)
	}

	run, err := c.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        sweepWorkflowID,
		TaskQueue: cfg.Temporal.TaskQueue,
	}, workflows.EscalationSweepWorkflow, input)
	if err != nil {
		w.Stop()
		c.Close()
		return nil, fmt.Errorf("starting escalation sweep: %w", err)
	}

	logger.Info("escalation sweep running",
		zap.String("task_queue", cfg.Temporal.TaskQueue),
		zap.String("workflow_id", run.GetID()),
		zap.String("run_id", run.GetRunID()),
		zap.Strings("tenants", input.TenantIDs))

	return func() {
		w.Stop()
		c.Close()
	}, nil
}
