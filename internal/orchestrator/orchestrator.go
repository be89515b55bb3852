package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/regcycle/internal/audit"
	"github.com/fyrsmithlabs/regcycle/internal/domain"
	"github.com/fyrsmithlabs/regcycle/internal/faults"
	"github.com/fyrsmithlabs/regcycle/internal/humangate"
	"github.com/fyrsmithlabs/regcycle/internal/logging"
	"github.com/fyrsmithlabs/regcycle/internal/resilience"
	"github.com/fyrsmithlabs/regcycle/internal/store"
)

const instrumentationName = "github.com/fyrsmithlabs/regcycle/internal/orchestrator"

// Orchestrator drives cycles through their phases.
type Orchestrator struct {
	cfg      Config
	cycles   store.CycleStore
	tasks    store.TaskStore
	issues   store.IssueStore
	gate     ActionGate
	recorder *audit.Recorder

	handlers  map[string]StepHandler
	gates     []CompletionGate
	progress  ProgressCallback
	retryOpts []resilience.Option

	tracer trace.Tracer
	logger *zap.Logger
	now    func() time.Time

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithActionGate sets the human gate used for steps carrying critical actions.
func WithActionGate(g ActionGate) Option {
	return func(o *Orchestrator) { o.gate = g }
}

// WithRecorder sets the audit recorder.
func WithRecorder(r *audit.Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithGates replaces the default completion gates.
func WithGates(gates ...CompletionGate) Option {
	return func(o *Orchestrator) { o.gates = gates }
}

// WithRetryOptions passes options to the step retry loop.
func WithRetryOptions(opts ...resilience.Option) Option {
	return func(o *Orchestrator) { o.retryOpts = append(o.retryOpts, opts...) }
}

// WithClock replaces time.Now. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an orchestrator over the given store.
func New(cfg Config, st store.Store, logger *zap.Logger, opts ...Option) (*Orchestrator, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()

	o := &Orchestrator{
		cfg:      cfg,
		cycles:   st,
		tasks:    st,
		issues:   st,
		handlers: make(map[string]StepHandler),
		gates:    DefaultGates(),
		tracer:   otel.Tracer(instrumentationName),
		logger:   logger,
		now:      time.Now,
		locks:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// RegisterHandler registers the handler for an agent type.
func (o *Orchestrator) RegisterHandler(h StepHandler) {
	o.handlers[h.AgentType()] = h
}

// OnProgress sets the progress callback.
func (o *Orchestrator) OnProgress(cb ProgressCallback) {
	o.progress = cb
}

// StartCycle validates the plan and creates an active cycle in the first
// phase.
func (o *Orchestrator) StartCycle(ctx context.Context, req StartCycleRequest) (*domain.Cycle, error) {
	const op = "orchestrator.start_cycle"

	ctx, span := o.tracer.Start(ctx, "orchestrator.StartCycle", trace.WithAttributes(
		attribute.String("tenant.id", req.TenantID),
		attribute.String("report.id", req.ReportID),
		attribute.Int("steps", len(req.Steps)),
	))
	defer span.End()

	if err := o.validatePlan(op, req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	now := o.now().UTC()
	c := &domain.Cycle{
		ID:           uuid.New().String(),
		TenantID:     req.TenantID,
		ReportID:     req.ReportID,
		PeriodEnd:    req.PeriodEnd,
		Status:       domain.CycleActive,
		CurrentPhase: domain.AllPhases()[0],
		StartedAt:    now,
	}
	for _, p := range req.Steps {
		s := &domain.WorkflowStep{
			ID:                p.ID,
			Name:              p.Name,
			Phase:             p.Phase,
			AgentType:         p.AgentType,
			IsHumanCheckpoint: p.IsHumanCheckpoint,
			RequiredRole:      p.RequiredRole,
			TaskType:          p.TaskType,
			ToolName:          p.ToolName,
			ToolParameters:    p.ToolParameters,
			Dependencies:      append([]string(nil), p.Dependencies...),
			OnReject:          p.OnReject,
			Status:            domain.StepPending,
		}
		if s.Phase == "" {
			s.Phase = c.CurrentPhase
		}
		if s.OnReject == "" {
			s.OnReject = domain.RejectFail
		}
		if s.IsHumanCheckpoint && s.TaskType == "" {
			s.TaskType = domain.TaskCheckpointApproval
		}
		c.Steps = append(c.Steps, s)
	}
	for _, p := range req.Checkpoints {
		c.Checkpoints = append(c.Checkpoints, &domain.Checkpoint{
			ID:                p.ID,
			Name:              p.Name,
			Phase:             p.Phase,
			RequiredApprovers: append([]string(nil), p.RequiredApprovers...),
			Status:            domain.CheckpointPending,
		})
	}
	actor := actorFrom(ctx, req.StartedBy)
	c.Record(now, actor, "cycle_started", c.ID, fmt.Sprintf("report %s, %d steps", c.ReportID, len(c.Steps)))

	if err := o.cycles.CreateCycle(ctx, c); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to create cycle: %w", err)
	}

	cyclesTotal.WithLabelValues(string(domain.CycleActive)).Inc()
	o.logger.Info("cycle started",
		zap.String("cycle_id", c.ID),
		zap.String("tenant_id", c.TenantID),
		zap.String("report_id", c.ReportID),
		zap.Int("steps", len(c.Steps)),
	)
	o.audit(ctx, c, domain.EpisodeCycleStarted, "cycle", c.ID, string(domain.CycleActive), "", map[string]interface{}{
		"report_id": c.ReportID,
		"steps":     len(c.Steps),
	})
	return c.Clone(), nil
}

func (o *Orchestrator) validatePlan(op string, req StartCycleRequest) error {
	if req.TenantID == "" {
		return faults.Validation(op, "tenant id is required")
	}
	if err := logging.ValidateID(req.TenantID, "tenant_id"); err != nil {
		return &faults.Error{Kind: faults.KindValidation, Op: op, Err: err}
	}
	if req.ReportID == "" {
		return faults.Validation(op, "report id is required")
	}
	if len(req.Steps) == 0 {
		return faults.Validation(op, "at least one step is required")
	}

	first := domain.AllPhases()[0]
	phases := make(map[string]domain.Phase, len(req.Steps))
	for _, s := range req.Steps {
		if s.ID == "" {
			return faults.Validation(op, "step id is required")
		}
		if _, dup := phases[s.ID]; dup {
			return faults.Validation(op, "duplicate step id %q", s.ID)
		}
		phase := s.Phase
		if phase == "" {
			phase = first
		}
		if !phase.Valid() {
			return faults.Validation(op, "step %q has unknown phase %q", s.ID, s.Phase)
		}
		if s.IsHumanCheckpoint && s.RequiredRole == "" && s.ToolName == "" {
			return faults.Validation(op, "human checkpoint step %q requires a role", s.ID)
		}
		if s.TaskType != "" && !s.TaskType.Valid() {
			return faults.Validation(op, "step %q has unknown task type %q", s.ID, s.TaskType)
		}
		if s.TaskType == domain.TaskAttestation && !domain.IsAttestationRole(s.RequiredRole) {
			return faults.Validation(op, "attestation step %q requires one of %s", s.ID, strings.Join(domain.AttestationRoles, ", "))
		}
		switch s.OnReject {
		case "", domain.RejectFail, domain.RejectRetry, domain.RejectSkip:
		default:
			return faults.Validation(op, "step %q has unknown reject policy %q", s.ID, s.OnReject)
		}
		if s.ToolName != "" && o.gate == nil {
			return faults.Validation(op, "step %q carries action %q but no action gate is configured", s.ID, s.ToolName)
		}
		phases[s.ID] = phase
	}

	graph := make(map[string][]string, len(req.Steps))
	for _, s := range req.Steps {
		for _, dep := range s.Dependencies {
			depPhase, ok := phases[dep]
			if !ok {
				return faults.Validation(op, "step %q depends on unknown step %q", s.ID, dep)
			}
			if dep == s.ID {
				return faults.Validation(op, "step %q depends on itself", s.ID)
			}
			if depPhase.Index() > phases[s.ID].Index() {
				return faults.Validation(op, "step %q in phase %s depends on step %q in later phase %s", s.ID, phases[s.ID], dep, depPhase)
			}
		}
		graph[s.ID] = s.Dependencies
	}
	if cyc := findCycle(graph); len(cyc) > 0 {
		return faults.Validation(op, "dependency cycle: %s", strings.Join(cyc, " -> "))
	}

	seen := make(map[string]bool, len(req.Checkpoints))
	for _, cp := range req.Checkpoints {
		if cp.ID == "" {
			return faults.Validation(op, "checkpoint id is required")
		}
		if seen[cp.ID] {
			return faults.Validation(op, "duplicate checkpoint id %q", cp.ID)
		}
		seen[cp.ID] = true
		if !cp.Phase.Valid() {
			return faults.Validation(op, "checkpoint %q has unknown phase %q", cp.ID, cp.Phase)
		}
		if len(cp.RequiredApprovers) == 0 {
			return faults.Validation(op, "checkpoint %q requires at least one approver", cp.ID)
		}
	}
	return nil
}

// findCycle returns the ids forming a dependency cycle, or nil.
func findCycle(graph map[string][]string) []string {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(graph))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		state[id] = visiting
		stack = append(stack, id)
		for _, dep := range graph[id] {
			switch state[dep] {
			case visiting:
				for i, s := range stack {
					if s == dep {
						return append(append([]string(nil), stack[i:]...), dep)
					}
				}
			case unvisited:
				if c := visit(dep); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return nil
	}

	ids := make([]string, 0, len(graph))
	for id := range graph {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if state[id] == unvisited {
			if c := visit(id); c != nil {
				return c
			}
		}
	}
	return nil
}

// GetCycle returns a cycle.
func (o *Orchestrator) GetCycle(ctx context.Context, tenantID, cycleID string) (*domain.Cycle, error) {
	return o.cycles.GetCycle(ctx, tenantID, cycleID)
}

// ListCycles returns the tenant's cycles.
func (o *Orchestrator) ListCycles(ctx context.Context, tenantID string) ([]*domain.Cycle, error) {
	return o.cycles.ListCycles(ctx, tenantID)
}

// ListTasks returns the human tasks of a cycle.
func (o *Orchestrator) ListTasks(ctx context.Context, tenantID, cycleID string) ([]*domain.HumanTask, error) {
	return o.tasks.ListTasksByCycle(ctx, tenantID, cycleID)
}

// PendingTasks returns the tenant's open tasks, filtered to role when set.
func (o *Orchestrator) PendingTasks(ctx context.Context, tenantID, role string) ([]*domain.HumanTask, error) {
	tasks, err := o.tasks.ListOpenTasks(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list open tasks: %w", err)
	}
	if role == "" {
		return tasks, nil
	}
	var out []*domain.HumanTask
	for _, t := range tasks {
		if strings.EqualFold(t.AssigneeRole, role) {
			out = append(out, t)
		}
	}
	return out, nil
}

// Advance moves a pending step forward. Human checkpoints and critical
// actions pause the cycle until a decision is recorded; other steps run
// through their agent handler.
func (o *Orchestrator) Advance(ctx context.Context, tenantID, cycleID, stepID string) (*domain.Cycle, error) {
	const op = "orchestrator.advance"

	ctx, span := o.tracer.Start(ctx, "orchestrator.Advance", trace.WithAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("cycle.id", cycleID),
		attribute.String("step.id", stepID),
	))
	defer span.End()

	unlock := o.lock(tenantID, cycleID)
	defer unlock()

	c, err := o.advance(ctx, op, tenantID, cycleID, stepID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return c, nil
}

func (o *Orchestrator) advance(ctx context.Context, op, tenantID, cycleID, stepID string) (*domain.Cycle, error) {
	c, err := o.cycles.GetCycle(ctx, tenantID, cycleID)
	if err != nil {
		return nil, err
	}
	if c.Status.Terminal() {
		return nil, faults.New(faults.KindInvalidTransition, op, "cycle %s is %s", c.ID, c.Status)
	}
	if c.Status == domain.CyclePaused {
		return nil, faults.New(faults.KindInvalidTransition, op, "cycle %s is paused: %s", c.ID, c.PauseReason)
	}
	step, ok := c.Step(stepID)
	if !ok {
		return nil, faults.NotFound(op, "step", stepID)
	}
	if step.Status != domain.StepPending && step.Status != domain.StepFailed {
		return nil, faults.New(faults.KindInvalidTransition, op, "step %s is %s", step.ID, step.Status)
	}
	if step.Phase != c.CurrentPhase {
		return nil, faults.New(faults.KindInvalidTransition, op, "step %s belongs to phase %s; cycle is in %s", step.ID, step.Phase, c.CurrentPhase)
	}
	if unmet := unmetDependencies(c, step); len(unmet) > 0 {
		return nil, faults.New(faults.KindDependency, op, "step %s waits on %s", step.ID, strings.Join(unmet, ", "))
	}

	now := o.now().UTC()
	actor := actorFrom(ctx, "")
	step.StartedAt = &now
	step.Error = ""
	c.Record(now, actor, "step_advanced", step.ID, "")

	switch {
	case step.RequiresCriticalAction():
		err = o.requestAction(ctx, op, c, step, now)
	case step.IsHumanCheckpoint:
		err = o.createStepTask(ctx, c, step, now)
	default:
		err = o.runStep(ctx, c, step)
	}
	if err != nil {
		return nil, err
	}

	if err := o.cycles.UpdateCycle(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to update cycle: %w", err)
	}
	o.audit(ctx, c, domain.EpisodeStepAdvanced, "step", step.ID, string(step.Status), "", map[string]interface{}{"cycle_id": c.ID})
	o.reportProgress(c, step)
	return c.Clone(), nil
}

func unmetDependencies(c *domain.Cycle, step *domain.WorkflowStep) []string {
	var unmet []string
	for _, dep := range step.Dependencies {
		d, ok := c.Step(dep)
		if !ok || d.Status != domain.StepCompleted {
			status := domain.StepStatus("missing")
			if ok {
				status = d.Status
			}
			unmet = append(unmet, fmt.Sprintf("%s (%s)", dep, status))
		}
	}
	return unmet
}

func (o *Orchestrator) createStepTask(ctx context.Context, c *domain.Cycle, step *domain.WorkflowStep, now time.Time) error {
	name := step.Name
	if name == "" {
		name = step.ID
	}
	t := &domain.HumanTask{
		ID:           uuid.New().String(),
		TenantID:     c.TenantID,
		CycleID:      c.ID,
		StepID:       step.ID,
		Type:         step.TaskType,
		Title:        fmt.Sprintf("%s: %s", c.ReportID, name),
		Description:  fmt.Sprintf("Review step %q of phase %s for report %s", name, step.Phase, c.ReportID),
		AssigneeRole: step.RequiredRole,
		DueDate:      now.Add(o.cfg.TaskDue),
		Status:       domain.TaskPending,
		CreatedAt:    now,
	}
	if err := o.tasks.CreateTask(ctx, t); err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	step.Status = domain.StepWaitingForHuman
	step.PendingTaskID = t.ID
	o.pause(ctx, c, step, fmt.Sprintf("step %s awaits %s decision on task %s", step.ID, step.RequiredRole, t.ID), now)

	tasksCreatedTotal.WithLabelValues(string(t.Type)).Inc()
	o.logger.Info("human task created",
		zap.String("task_id", t.ID),
		zap.String("cycle_id", c.ID),
		zap.String("step_id", step.ID),
		zap.String("role", t.AssigneeRole),
		zap.Time("due_date", t.DueDate),
	)
	o.audit(ctx, c, domain.EpisodeTaskCreated, "task", t.ID, string(domain.TaskPending), "", map[string]interface{}{
		"cycle_id":      c.ID,
		"step_id":       step.ID,
		"task_type":     string(t.Type),
		"assignee_role": t.AssigneeRole,
	})
	return nil
}

func (o *Orchestrator) requestAction(ctx context.Context, op string, c *domain.Cycle, step *domain.WorkflowStep, now time.Time) error {
	if o.gate == nil {
		return faults.Validation(op, "step %s carries action %q but no action gate is configured", step.ID, step.ToolName)
	}
	a, err := o.gate.CreateAction(step.ToolName, step.ToolParameters, humangate.ActionContext{
		TenantID:    c.TenantID,
		SessionID:   logging.SessionIDFromContext(ctx),
		RequestedBy: logging.UserIDFromContext(ctx),
		CycleID:     c.ID,
		StepID:      step.ID,
		AIRationale: fmt.Sprintf("step %s of cycle %s", step.ID, c.ID),
	})
	if err != nil {
		return err
	}
	if step.RequiredRole != "" {
		a.RequiredRole = step.RequiredRole
	}
	if err := o.gate.RequestApproval(ctx, a); err != nil {
		return err
	}

	step.Status = domain.StepWaitingForHuman
	step.PendingActionID = a.ID
	o.pause(ctx, c, step, fmt.Sprintf("step %s awaits %s approval of action %s", step.ID, a.RequiredRole, a.ID), now)
	return nil
}

func (o *Orchestrator) pause(ctx context.Context, c *domain.Cycle, step *domain.WorkflowStep, reason string, now time.Time) {
	c.Pause(reason, now)
	c.Record(now, actorFrom(ctx, ""), "cycle_paused", step.ID, reason)
	o.logger.Info("cycle paused",
		zap.String("cycle_id", c.ID),
		zap.String("step_id", step.ID),
		zap.String("reason", reason),
	)
	o.audit(ctx, c, domain.EpisodeCyclePaused, "cycle", c.ID, string(domain.CyclePaused), reason, map[string]interface{}{"step_id": step.ID})
}

func (o *Orchestrator) runStep(ctx context.Context, c *domain.Cycle, step *domain.WorkflowStep) error {
	step.Status = domain.StepInProgress
	handler, ok := o.handlers[step.AgentType]

	var output map[string]interface{}
	if ok && step.AgentType != "" {
		opts := append([]resilience.Option{resilience.WithLogger(o.logger, "step."+step.AgentType)}, o.retryOpts...)
		snapshot := c.Clone()
		stepCopy, _ := snapshot.Step(step.ID)
		res := resilience.RetryWithResult(ctx, o.cfg.StepRetry, func(ctx context.Context) (map[string]interface{}, error) {
			return handler.Execute(ctx, snapshot, stepCopy)
		}, opts...)

		if res.Err != nil {
			now := o.now().UTC()
			step.Status = domain.StepFailed
			step.Error = res.Err.Error()
			c.Record(now, actorFrom(ctx, ""), "step_failed", step.ID, step.Error)
			stepsTotal.WithLabelValues(step.AgentType, string(domain.StepFailed)).Inc()
			o.logger.Warn("step failed",
				zap.String("cycle_id", c.ID),
				zap.String("step_id", step.ID),
				zap.String("agent_type", step.AgentType),
				zap.Int("attempts", res.Attempts),
				zap.Error(res.Err),
			)
			o.audit(ctx, c, domain.EpisodeStepFailed, "step", step.ID, string(domain.StepFailed), step.Error, map[string]interface{}{
				"cycle_id": c.ID,
				"attempts": res.Attempts,
			})
			return nil
		}
		output = res.Value
	}

	now := o.now().UTC()
	step.Status = domain.StepCompleted
	step.Output = output
	step.CompletedAt = &now
	c.Record(now, actorFrom(ctx, ""), "step_completed", step.ID, "")
	stepsTotal.WithLabelValues(step.AgentType, string(domain.StepCompleted)).Inc()
	o.audit(ctx, c, domain.EpisodeStepCompleted, "step", step.ID, string(domain.StepCompleted), "", map[string]interface{}{"cycle_id": c.ID})
	return nil
}

// RequestAttestation creates an attestation task for the cycle, assigned to
// an executive role.
func (o *Orchestrator) RequestAttestation(ctx context.Context, req AttestationRequest) (*domain.HumanTask, error) {
	const op = "orchestrator.request_attestation"

	if !domain.IsAttestationRole(req.Role) {
		return nil, faults.Validation(op, "attestation role must be one of %s, got %q", strings.Join(domain.AttestationRoles, ", "), req.Role)
	}

	unlock := o.lock(req.TenantID, req.CycleID)
	defer unlock()

	c, err := o.cycles.GetCycle(ctx, req.TenantID, req.CycleID)
	if err != nil {
		return nil, err
	}
	if c.Status.Terminal() {
		return nil, faults.New(faults.KindInvalidTransition, op, "cycle %s is %s", c.ID, c.Status)
	}

	now := o.now().UTC()
	t := &domain.HumanTask{
		ID:           uuid.New().String(),
		TenantID:     c.TenantID,
		CycleID:      c.ID,
		Type:         domain.TaskAttestation,
		Title:        fmt.Sprintf("Attest report %s for period ending %s", c.ReportID, c.PeriodEnd.Format("2006-01-02")),
		Description:  "Attest that the report is complete and accurate before submission",
		Assignee:     req.Assignee,
		AssigneeRole: req.Role,
		DueDate:      now.Add(o.cfg.TaskDue),
		Status:       domain.TaskPending,
		CreatedAt:    now,
	}
	if err := o.tasks.CreateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to create attestation task: %w", err)
	}

	c.Record(now, actorFrom(ctx, ""), "attestation_requested", t.ID, req.Role)
	if err := o.cycles.UpdateCycle(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to update cycle: %w", err)
	}

	tasksCreatedTotal.WithLabelValues(string(t.Type)).Inc()
	o.audit(ctx, c, domain.EpisodeTaskCreated, "task", t.ID, string(domain.TaskPending), "", map[string]interface{}{
		"cycle_id":      c.ID,
		"task_type":     string(t.Type),
		"assignee_role": t.AssigneeRole,
	})
	return t.Clone(), nil
}

// RecordTaskDecision completes a human task and applies the decision to the
// step that created it.
func (o *Orchestrator) RecordTaskDecision(ctx context.Context, req TaskDecisionRequest) (*domain.HumanTask, *domain.Cycle, error) {
	const op = "orchestrator.record_task_decision"

	ctx, span := o.tracer.Start(ctx, "orchestrator.RecordTaskDecision", trace.WithAttributes(
		attribute.String("tenant.id", req.TenantID),
		attribute.String("task.id", req.TaskID),
		attribute.String("outcome", string(req.Outcome)),
	))
	defer span.End()

	if !req.Outcome.Valid() {
		return nil, nil, faults.Validation(op, "invalid outcome %q", req.Outcome)
	}
	if strings.TrimSpace(req.Rationale) == "" {
		return nil, nil, faults.Validation(op, "rationale is required")
	}
	if strings.TrimSpace(req.DecidedBy) == "" {
		return nil, nil, faults.Validation(op, "decided_by is required")
	}

	t, err := o.tasks.GetTask(ctx, req.TenantID, req.TaskID)
	if err != nil {
		return nil, nil, err
	}

	unlock := o.lock(t.TenantID, t.CycleID)
	defer unlock()

	// Re-read under the cycle lock.
	t, err = o.tasks.GetTask(ctx, req.TenantID, req.TaskID)
	if err != nil {
		return nil, nil, err
	}
	if !t.Open() {
		return nil, nil, faults.New(faults.KindInvalidTransition, op, "task %s is already completed", t.ID)
	}
	if req.DeciderRole != "" && !strings.EqualFold(req.DeciderRole, t.AssigneeRole) {
		return nil, nil, faults.Authorization(op, "role %q may not decide task %s; requires %q", req.DeciderRole, t.ID, t.AssigneeRole)
	}

	c, err := o.cycles.GetCycle(ctx, t.TenantID, t.CycleID)
	if err != nil {
		return nil, nil, err
	}
	var step *domain.WorkflowStep
	if t.StepID != "" {
		s, ok := c.Step(t.StepID)
		if !ok {
			return nil, nil, faults.NotFound(op, "step", t.StepID)
		}
		if s.Status != domain.StepWaitingForHuman || s.PendingTaskID != t.ID {
			return nil, nil, faults.New(faults.KindInvalidTransition, op, "step %s is not waiting on task %s", s.ID, t.ID)
		}
		step = s
	}

	now := o.now().UTC()
	t.Status = domain.TaskCompleted
	t.Decision = &domain.TaskDecision{Outcome: req.Outcome, Changes: req.Changes}
	t.DecisionRationale = req.Rationale
	t.CompletedAt = &now
	t.CompletedBy = req.DecidedBy
	if err := o.tasks.UpdateTask(ctx, t); err != nil {
		span.RecordError(err)
		return nil, nil, fmt.Errorf("failed to update task: %w", err)
	}

	decisionsTotal.WithLabelValues("task", string(req.Outcome)).Inc()
	c.Record(now, req.DecidedBy, "task_decided", t.ID, string(req.Outcome))
	o.audit(ctx, c, domain.EpisodeTaskDecided, "task", t.ID, string(req.Outcome), req.Rationale, map[string]interface{}{
		"cycle_id":   c.ID,
		"step_id":    t.StepID,
		"task_type":  string(t.Type),
		"decided_by": req.DecidedBy,
	})

	if step != nil {
		step.PendingTaskID = ""
		o.applyDecision(ctx, c, step, req.Outcome, req.DecidedBy, req.Rationale, nil, now)
	}
	if err := o.cycles.UpdateCycle(ctx, c); err != nil {
		span.RecordError(err)
		return nil, nil, fmt.Errorf("failed to update cycle: %w", err)
	}

	o.logger.Info("task decided",
		zap.String("task_id", t.ID),
		zap.String("cycle_id", c.ID),
		zap.String("outcome", string(req.Outcome)),
		zap.String("decided_by", req.DecidedBy),
		zap.String("cycle_status", string(c.Status)),
	)
	return t.Clone(), c.Clone(), nil
}

// RecordActionDecision applies a human gate result to the step that
// requested the action. Results without a cycle are ignored.
func (o *Orchestrator) RecordActionDecision(ctx context.Context, result *domain.HumanGateResult) (*domain.Cycle, error) {
	const op = "orchestrator.record_action_decision"

	if result == nil || result.Action == nil {
		return nil, faults.Validation(op, "result with action is required")
	}
	a := result.Action
	if a.CycleID == "" || a.StepID == "" {
		return nil, nil
	}

	unlock := o.lock(a.TenantID, a.CycleID)
	defer unlock()

	c, err := o.cycles.GetCycle(ctx, a.TenantID, a.CycleID)
	if err != nil {
		return nil, err
	}
	step, ok := c.Step(a.StepID)
	if !ok {
		return nil, faults.NotFound(op, "step", a.StepID)
	}
	if step.Status != domain.StepWaitingForHuman || step.PendingActionID != a.ID {
		return nil, faults.New(faults.KindInvalidTransition, op, "step %s is not waiting on action %s", step.ID, a.ID)
	}
	if c.Status.Terminal() {
		return nil, faults.New(faults.KindInvalidTransition, op, "cycle %s is %s", c.ID, c.Status)
	}

	outcome := domain.OutcomeRejected
	if result.Status == domain.ActionApproved {
		outcome = domain.OutcomeApproved
	}
	rationale := result.Rationale
	if result.Status == domain.ActionExpired {
		rationale = "approval window expired"
	}

	var output map[string]interface{}
	if tr := result.ToolResult; tr != nil {
		output = map[string]interface{}{
			"tool_success":  tr.Success,
			"tool_attempts": tr.Attempts,
		}
		for k, v := range tr.Data {
			output[k] = v
		}
		if !tr.Success {
			output["tool_error"] = tr.Error
		}
	}

	now := o.now().UTC()
	step.PendingActionID = ""
	decisionsTotal.WithLabelValues("action", string(result.Status)).Inc()
	o.applyDecision(ctx, c, step, outcome, result.DecidedBy, rationale, output, now)

	if err := o.cycles.UpdateCycle(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to update cycle: %w", err)
	}
	return c.Clone(), nil
}

// applyDecision moves a waiting step according to the outcome and the
// step's reject policy, resuming or failing the cycle.
func (o *Orchestrator) applyDecision(ctx context.Context, c *domain.Cycle, step *domain.WorkflowStep, outcome domain.Outcome, actor, rationale string, output map[string]interface{}, now time.Time) {
	switch {
	case outcome == domain.OutcomeApproved:
		step.Status = domain.StepCompleted
		step.CompletedAt = &now
		step.Output = output
		c.Record(now, actor, "step_completed", step.ID, rationale)
		o.audit(ctx, c, domain.EpisodeStepCompleted, "step", step.ID, string(domain.StepCompleted), rationale, map[string]interface{}{"cycle_id": c.ID})

	case step.OnReject == domain.RejectRetry:
		step.Status = domain.StepPending
		step.StartedAt = nil
		step.Error = "rejected: " + rationale
		c.Record(now, actor, "step_retry", step.ID, rationale)

	case step.OnReject == domain.RejectSkip:
		step.Status = domain.StepCompleted
		step.Skipped = true
		step.CompletedAt = &now
		c.Record(now, actor, "step_skipped", step.ID, rationale)
		o.audit(ctx, c, domain.EpisodeStepCompleted, "step", step.ID, "skipped", rationale, map[string]interface{}{"cycle_id": c.ID})

	default:
		step.Status = domain.StepFailed
		step.Error = "rejected: " + rationale
		c.Fail()
		c.Record(now, actor, "cycle_failed", step.ID, rationale)
		cyclesTotal.WithLabelValues(string(domain.CycleFailed)).Inc()
		o.audit(ctx, c, domain.EpisodeStepFailed, "step", step.ID, string(domain.StepFailed), rationale, map[string]interface{}{"cycle_id": c.ID})
		o.audit(ctx, c, domain.EpisodeCycleFailed, "cycle", c.ID, string(domain.CycleFailed), rationale, map[string]interface{}{"step_id": step.ID})
		o.cancelPending(ctx, c)
		o.reportProgress(c, step)
		return
	}

	if c.Status == domain.CyclePaused && len(c.WaitingSteps()) == 0 {
		c.Resume()
		c.Record(now, actor, "cycle_resumed", step.ID, "")
		o.audit(ctx, c, domain.EpisodeCycleResumed, "cycle", c.ID, string(domain.CycleActive), "", map[string]interface{}{"step_id": step.ID})
	}
	o.reportProgress(c, step)
}

// cancelPending withdraws approvals still pending for a failed cycle.
func (o *Orchestrator) cancelPending(ctx context.Context, c *domain.Cycle) {
	for _, s := range c.Steps {
		if s.Status != domain.StepWaitingForHuman {
			continue
		}
		if s.PendingActionID != "" && o.gate != nil {
			if _, err := o.gate.CancelAction(ctx, c.TenantID, s.PendingActionID, "cycle failed"); err != nil {
				o.logger.Warn("failed to cancel pending action",
					zap.String("action_id", s.PendingActionID),
					zap.Error(err),
				)
			}
		}
		s.Status = domain.StepFailed
		s.Error = "cycle failed"
		s.PendingActionID = ""
	}
}

// CanComplete evaluates every completion gate. It returns nil when the cycle
// may complete, otherwise the typed error of the first blocking violation.
// Gates are evaluated on every call.
func (o *Orchestrator) CanComplete(ctx context.Context, tenantID, cycleID string) error {
	_, err := o.CompletionViolations(ctx, tenantID, cycleID)
	return err
}

// CompletionViolations returns all gate violations and the blocking error.
func (o *Orchestrator) CompletionViolations(ctx context.Context, tenantID, cycleID string) ([]Violation, error) {
	c, err := o.cycles.GetCycle(ctx, tenantID, cycleID)
	if err != nil {
		return nil, err
	}
	return o.checkGates(ctx, c)
}

func (o *Orchestrator) checkGates(ctx context.Context, c *domain.Cycle) ([]Violation, error) {
	const op = "orchestrator.can_complete"

	if c.Status.Terminal() {
		return nil, faults.New(faults.KindInvalidTransition, op, "cycle %s is %s", c.ID, c.Status)
	}
	tasks, err := o.tasks.ListTasksByCycle(ctx, c.TenantID, c.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	issues, err := o.issues.ListIssuesByReport(ctx, c.TenantID, c.ReportID)
	if err != nil {
		return nil, fmt.Errorf("failed to list issues: %w", err)
	}
	state := &GateState{Cycle: c, Tasks: tasks, Issues: issues, Now: o.now().UTC()}

	var all []Violation
	for _, g := range o.gates {
		violations, err := g.Check(ctx, state)
		if err != nil {
			return nil, fmt.Errorf("gate %s check failed: %w", g.Name(), err)
		}
		all = append(all, violations...)
	}
	return all, violationError(op, all)
}

// AdvancePhase moves the cycle to the next phase once every step and
// checkpoint of the current phase is done.
func (o *Orchestrator) AdvancePhase(ctx context.Context, tenantID, cycleID string) (*domain.Cycle, error) {
	const op = "orchestrator.advance_phase"

	unlock := o.lock(tenantID, cycleID)
	defer unlock()

	c, err := o.cycles.GetCycle(ctx, tenantID, cycleID)
	if err != nil {
		return nil, err
	}
	if c.Status != domain.CycleActive {
		return nil, faults.New(faults.KindInvalidTransition, op, "cycle %s is %s", c.ID, c.Status)
	}
	next, ok := c.CurrentPhase.Next()
	if !ok {
		return nil, faults.New(faults.KindInvalidTransition, op, "cycle %s is already in the final phase", c.ID)
	}

	var open []string
	for _, s := range c.StepsInPhase(c.CurrentPhase) {
		if s.Status != domain.StepCompleted {
			open = append(open, fmt.Sprintf("%s (%s)", s.ID, s.Status))
		}
	}
	for _, cp := range c.Checkpoints {
		if cp.Phase == c.CurrentPhase && cp.Status == domain.CheckpointPending {
			open = append(open, fmt.Sprintf("checkpoint %s", cp.ID))
		}
	}
	if len(open) > 0 {
		return nil, faults.New(faults.KindDependency, op, "phase %s has open work: %s", c.CurrentPhase, strings.Join(open, ", "))
	}

	now := o.now().UTC()
	from := c.CurrentPhase
	c.CurrentPhase = next
	c.Record(now, actorFrom(ctx, ""), "phase_advanced", c.ID, fmt.Sprintf("%s -> %s", from, next))
	if err := o.cycles.UpdateCycle(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to update cycle: %w", err)
	}

	o.logger.Info("phase advanced",
		zap.String("cycle_id", c.ID),
		zap.String("from", string(from)),
		zap.String("to", string(next)),
	)
	o.audit(ctx, c, domain.EpisodePhaseAdvanced, "cycle", c.ID, string(next), "", map[string]interface{}{"from": string(from)})
	return c.Clone(), nil
}

// CompleteCycle completes the cycle when every completion gate passes.
func (o *Orchestrator) CompleteCycle(ctx context.Context, tenantID, cycleID string) (*domain.Cycle, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.CompleteCycle", trace.WithAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("cycle.id", cycleID),
	))
	defer span.End()

	unlock := o.lock(tenantID, cycleID)
	defer unlock()

	c, err := o.cycles.GetCycle(ctx, tenantID, cycleID)
	if err != nil {
		return nil, err
	}
	violations, err := o.checkGates(ctx, c)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if len(violations) > 0 {
			completionBlockedTotal.WithLabelValues(string(faults.KindOf(err))).Inc()
			o.logger.Info("cycle completion blocked",
				zap.String("cycle_id", c.ID),
				zap.String("violations", describeViolations(violations)),
			)
			o.audit(ctx, c, domain.EpisodeCompletionBlocked, "cycle", c.ID, string(faults.KindOf(err)), describeViolations(violations), nil)
		}
		return nil, err
	}

	now := o.now().UTC()
	c.Complete(now)
	c.Record(now, actorFrom(ctx, ""), "cycle_completed", c.ID, "")
	if err := o.cycles.UpdateCycle(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to update cycle: %w", err)
	}

	cyclesTotal.WithLabelValues(string(domain.CycleCompleted)).Inc()
	o.logger.Info("cycle completed",
		zap.String("cycle_id", c.ID),
		zap.String("tenant_id", c.TenantID),
		zap.Duration("duration", now.Sub(c.StartedAt)),
	)
	o.audit(ctx, c, domain.EpisodeCycleCompleted, "cycle", c.ID, string(domain.CycleCompleted), "", nil)
	return c.Clone(), nil
}

// ApproveCheckpoint signs a checkpoint. The checkpoint completes once every
// required approver has signed.
func (o *Orchestrator) ApproveCheckpoint(ctx context.Context, tenantID, cycleID, checkpointID, approverID string) (*domain.Cycle, error) {
	const op = "orchestrator.approve_checkpoint"

	if approverID == "" {
		return nil, faults.Validation(op, "approver id is required")
	}

	unlock := o.lock(tenantID, cycleID)
	defer unlock()

	c, err := o.cycles.GetCycle(ctx, tenantID, cycleID)
	if err != nil {
		return nil, err
	}
	if c.Status.Terminal() {
		return nil, faults.New(faults.KindInvalidTransition, op, "cycle %s is %s", c.ID, c.Status)
	}
	cp, ok := c.Checkpoint(checkpointID)
	if !ok {
		return nil, faults.NotFound(op, "checkpoint", checkpointID)
	}
	if cp.Status != domain.CheckpointPending {
		return nil, faults.New(faults.KindInvalidTransition, op, "checkpoint %s is %s", cp.ID, cp.Status)
	}
	if !contains(cp.RequiredApprovers, approverID) {
		return nil, faults.Authorization(op, "%s is not a required approver of checkpoint %s", approverID, cp.ID)
	}
	if !contains(cp.CompletedApprovers, approverID) {
		cp.CompletedApprovers = append(cp.CompletedApprovers, approverID)
	}

	now := o.now().UTC()
	c.Record(now, approverID, "checkpoint_signed", cp.ID, "")
	if cp.Satisfied() {
		cp.Status = domain.CheckpointCompleted
		c.Record(now, approverID, "checkpoint_completed", cp.ID, "")
	}
	if err := o.cycles.UpdateCycle(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to update cycle: %w", err)
	}

	o.audit(ctx, c, domain.EpisodeCheckpointSigned, "checkpoint", cp.ID, string(cp.Status), "", map[string]interface{}{
		"cycle_id":  c.ID,
		"approver":  approverID,
		"remaining": len(cp.RequiredApprovers) - len(cp.CompletedApprovers),
	})
	return c.Clone(), nil
}

// SkipCheckpoint marks a pending checkpoint skipped.
func (o *Orchestrator) SkipCheckpoint(ctx context.Context, tenantID, cycleID, checkpointID, actor, reason string) (*domain.Cycle, error) {
	const op = "orchestrator.skip_checkpoint"

	if strings.TrimSpace(reason) == "" {
		return nil, faults.Validation(op, "reason is required")
	}

	unlock := o.lock(tenantID, cycleID)
	defer unlock()

	c, err := o.cycles.GetCycle(ctx, tenantID, cycleID)
	if err != nil {
		return nil, err
	}
	cp, ok := c.Checkpoint(checkpointID)
	if !ok {
		return nil, faults.NotFound(op, "checkpoint", checkpointID)
	}
	if c.Status.Terminal() || cp.Status != domain.CheckpointPending {
		return nil, faults.New(faults.KindInvalidTransition, op, "checkpoint %s cannot be skipped", cp.ID)
	}
	cp.Status = domain.CheckpointSkipped
	c.Record(o.now().UTC(), actorFrom(ctx, actor), "checkpoint_skipped", cp.ID, reason)
	if err := o.cycles.UpdateCycle(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to update cycle: %w", err)
	}
	o.audit(ctx, c, domain.EpisodeCheckpointSigned, "checkpoint", cp.ID, string(domain.CheckpointSkipped), reason, map[string]interface{}{"cycle_id": c.ID})
	return c.Clone(), nil
}

// EscalateOverdue escalates open tasks past their due date by one level, up
// to MaxEscalationLevel. Tasks are never completed by escalation.
func (o *Orchestrator) EscalateOverdue(ctx context.Context, tenantID string, now time.Time) ([]*domain.HumanTask, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.EscalateOverdue", trace.WithAttributes(
		attribute.String("tenant.id", tenantID),
	))
	defer span.End()

	overdue, err := o.tasks.ListOverdueTasks(ctx, tenantID, now)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list overdue tasks: %w", err)
	}

	var escalated []*domain.HumanTask
	for _, candidate := range overdue {
		t, err := o.escalateTask(ctx, candidate, now)
		if err != nil {
			span.RecordError(err)
			return escalated, fmt.Errorf("failed to escalate task %s: %w", candidate.ID, err)
		}
		if t == nil {
			continue
		}
		escalated = append(escalated, t)

		escalationsTotal.WithLabelValues(string(t.Type)).Inc()
		o.logger.Warn("task escalated",
			zap.String("task_id", t.ID),
			zap.String("cycle_id", t.CycleID),
			zap.Int("level", t.EscalationLevel),
			zap.Time("due_date", t.DueDate),
		)
		_ = o.recorder.Record(ctx, domain.AuditEpisode{
			TenantID:    t.TenantID,
			UserID:      SystemActor,
			Kind:        domain.EpisodeTaskEscalated,
			SubjectType: "task",
			SubjectID:   t.ID,
			Outcome:     string(domain.TaskEscalated),
			Details: map[string]interface{}{
				"cycle_id":         t.CycleID,
				"escalation_level": t.EscalationLevel,
				"overdue_by":       now.Sub(t.DueDate).String(),
			},
		})
	}
	span.SetAttributes(attribute.Int("escalated", len(escalated)))
	return escalated, nil
}

// escalateTask raises the escalation level of one overdue task under its
// cycle lock. The task is re-read first; a nil task means it was decided,
// cancelled or otherwise left the overdue set since it was listed.
func (o *Orchestrator) escalateTask(ctx context.Context, listed *domain.HumanTask, now time.Time) (*domain.HumanTask, error) {
	unlock := o.lock(listed.TenantID, listed.CycleID)
	defer unlock()

	t, err := o.tasks.GetTask(ctx, listed.TenantID, listed.ID)
	if err != nil {
		if faults.IsKind(err, faults.KindNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if !t.Overdue(now) || t.EscalationLevel >= o.cfg.MaxEscalationLevel {
		return nil, nil
	}
	t.EscalationLevel++
	t.Status = domain.TaskEscalated
	if err := o.tasks.UpdateTask(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// SystemActor is recorded for changes made by the orchestrator itself.
const SystemActor = "system"

func (o *Orchestrator) audit(ctx context.Context, c *domain.Cycle, kind domain.EpisodeKind, subjectType, subjectID, outcome, rationale string, details map[string]interface{}) {
	_ = o.recorder.Record(ctx, domain.AuditEpisode{
		TenantID:    c.TenantID,
		Kind:        kind,
		SubjectType: subjectType,
		SubjectID:   subjectID,
		Outcome:     outcome,
		Rationale:   rationale,
		Details:     details,
	})
}

func (o *Orchestrator) reportProgress(c *domain.Cycle, step *domain.WorkflowStep) {
	if o.progress == nil {
		return
	}
	done := 0
	for _, s := range c.Steps {
		if s.Status == domain.StepCompleted {
			done++
		}
	}
	o.progress(StepProgress{
		CycleID:    c.ID,
		StepID:     step.ID,
		Status:     step.Status,
		Message:    fmt.Sprintf("step %s is %s", step.ID, step.Status),
		Percentage: (done * 100) / len(c.Steps),
	})
}

// lock serializes mutations of one cycle within this process.
func (o *Orchestrator) lock(tenantID, cycleID string) func() {
	key := tenantID + "/" + cycleID
	o.locksMu.Lock()
	mu, ok := o.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		o.locks[key] = mu
	}
	o.locksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

func actorFrom(ctx context.Context, fallback string) string {
	if fallback != "" {
		return fallback
	}
	if u := logging.UserIDFromContext(ctx); u != "" {
		return u
	}
	return SystemActor
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
