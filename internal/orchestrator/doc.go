// Package orchestrator drives compliance reporting cycles through their
// phases, pausing for human decisions where the workflow requires them.
//
// # Overview
//
// A cycle moves forward through a fixed sequence of phases:
//
//	data_gathering → validation → review → approval → submission
//
// Each phase holds workflow steps linked by dependencies. A step leaves
// pending only when every dependency step is completed.
//
// # Key Components
//
// ## Orchestrator
//
// The Orchestrator is the main entry point. It manages:
//   - Step plan validation (unknown dependencies, dependency cycles)
//   - Step advancement and agent handler execution with retries
//   - Human checkpoints (HumanTask) and critical actions (HumanGateAction)
//   - Completion gates, phase advancement and checkpoint sign-off
//   - Escalation of overdue tasks
//
// ## Human Pauses
//
// Advancing a human checkpoint step creates a task for the step's role;
// advancing a step that carries a critical tool call requests approval
// through the human gate. Either way the step waits for a human and the
// cycle is paused until the decision is recorded. Approval completes the
// step and resumes the cycle. Rejection fails the step and the cycle unless
// the step's reject policy is retry or skip.
//
// ## Completion Gates
//
// Gates are evaluated on every completion attempt and never cached:
//   - CriticalIssueGate: no critical issue on the report may be open
//   - AttestationGate: submission needs an approved CFO/CRO/CEO attestation
//   - CompletenessGate: final phase reached, all steps and checkpoints done
//
// # Usage Example
//
//	orch, _ := orchestrator.New(orchestrator.DefaultConfig(), store.NewMemory(), logger,
//	    orchestrator.WithActionGate(gateService),
//	    orchestrator.WithRecorder(recorder),
//	)
//	orch.RegisterHandler(orchestrator.NewAgentHandler("data_quality", "", gateway))
//
//	c, err := orch.StartCycle(ctx, orchestrator.StartCycleRequest{
//	    TenantID: "acme",
//	    ReportID: "FR-Y9C",
//	    Steps: []orchestrator.StepPlan{
//	        {ID: "gather", AgentType: "data_quality"},
//	        {ID: "steward-review", IsHumanCheckpoint: true, RequiredRole: "Data Steward",
//	            Dependencies: []string{"gather"}},
//	    },
//	})
//
// # Concurrency
//
// Distinct cycles proceed concurrently. Mutations of one cycle are
// serialized within a process; callers running several processes against a
// shared store must serialize calls per cycle themselves.
package orchestrator
