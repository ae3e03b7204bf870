package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/envrun/pkg/telemetry"
)

const (
	// DefaultLogTailLines is how many trailing log lines a failed run keeps in its error.
	DefaultLogTailLines = 20

	// DefaultLogPageSize is the page size of ListLogs when no limit is given.
	DefaultLogPageSize = 500
)

// StartRunRequest describes a module run to admit.
type StartRunRequest struct {
	EnvironmentID string
	ModuleID      string
	Operation     Operation

	// ModuleVersion overrides the module's effective version when set.
	ModuleVersion string

	AutoConfirm   bool
	TriggerSource TriggerSource
	Actor         Actor

	// Set by the cascade scheduler for child runs.
	Priority         RunPriority
	EnvironmentRunID string
	QueuePosition    int
}

// ModuleRunService admits module runs and drives each one through the run
// state machine on its own goroutine.
type ModuleRunService struct {
	repo     Repository
	executor Executor
	locks    *LockManager
	resolver *VariableResolver
	gate     PlanGate

	runTimeout   time.Duration
	logTailLines int

	events  EventPublisher
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	now     func() time.Time

	mu     sync.Mutex
	active map[string]*runHandle
	wg     sync.WaitGroup
}

// runHandle is the coordination state of one active run. It is dropped when
// the run reaches a terminal status.
type runHandle struct {
	mu  sync.Mutex
	run *ModuleRun

	// cancel aborts the executor phase in progress.
	cancel context.CancelFunc

	// decided is signalled when a planned run is confirmed, discarded, or cancelled.
	decided chan struct{}

	done chan struct{}

	seq     int64
	logTail []string
}

// NewModuleRunService creates the run service.
func NewModuleRunService(
	repo Repository,
	executor Executor,
	locks *LockManager,
	resolver *VariableResolver,
	gate PlanGate,
	runTimeout time.Duration,
	tel *telemetry.Telemetry,
) *ModuleRunService {
	if tel == nil {
		tel = telemetry.Noop()
	}
	return &ModuleRunService{
		repo:         repo,
		executor:     executor,
		locks:        locks,
		resolver:     resolver,
		gate:         gate,
		runTimeout:   runTimeout,
		logTailLines: DefaultLogTailLines,
		events:       tel.Events,
		logger:       tel.Logger.NewComponentLogger("module-run"),
		metrics:      tel.Metrics,
		tracer:       tel.Tracer,
		now:          func() time.Time { return time.Now().UTC() },
		active:       make(map[string]*runHandle),
	}
}

// StartModuleRun admits a run: it checks the environment lock, takes the
// module lock, persists the run as queued, and starts its driver.
func (s *ModuleRunService) StartModuleRun(ctx context.Context, req StartRunRequest) (*ModuleRun, error) {
	if err := req.Operation.Validate(); err != nil {
		return nil, NewValidationError(err.Error())
	}
	if req.TriggerSource == "" {
		req.TriggerSource = TriggerManual
	}
	if err := req.TriggerSource.Validate(); err != nil {
		return nil, NewValidationError(err.Error())
	}
	if req.Priority == "" {
		req.Priority = PriorityUser
	}

	env, err := s.repo.GetEnvironment(ctx, req.EnvironmentID)
	if err != nil {
		return nil, err
	}
	if err := s.locks.CheckAdmission(env); err != nil {
		return nil, err
	}

	module, err := s.repo.GetModule(ctx, req.EnvironmentID, req.ModuleID)
	if err != nil {
		return nil, err
	}

	version := req.ModuleVersion
	if version == "" {
		version = module.EffectiveVersion()
	}

	if req.AutoConfirm && req.Operation == OperationDestroy {
		if err := s.checkDestroyPolicy(ctx, env, module, req, version); err != nil {
			return nil, err
		}
	}

	now := s.now()
	run := &ModuleRun{
		ID:               uuid.New().String(),
		EnvironmentID:    req.EnvironmentID,
		ModuleID:         req.ModuleID,
		EnvironmentRunID: req.EnvironmentRunID,
		Operation:        req.Operation,
		Status:           ModuleRunPending,
		TriggerSource:    req.TriggerSource,
		Priority:         req.Priority,
		QueuePosition:    req.QueuePosition,
		ModuleVersion:    version,
		AutoConfirm:      req.AutoConfirm && (req.Operation == OperationApply || req.Operation == OperationDestroy),
		CallbackToken:    uuid.New().String(),
		TriggeredBy:      req.Actor.UserID,
		CreatedAt:        now,
	}

	if err := s.locks.AcquireModuleLock(ctx, req.EnvironmentID, req.ModuleID, run.ID); err != nil {
		return nil, err
	}

	if err := run.Fire(EventQueue, now); err != nil {
		_ = s.locks.ReleaseModuleLock(ctx, req.EnvironmentID, req.ModuleID, run.ID)
		return nil, err
	}
	if err := s.repo.CreateModuleRun(ctx, run); err != nil {
		_ = s.locks.ReleaseModuleLock(ctx, req.EnvironmentID, req.ModuleID, run.ID)
		return nil, fmt.Errorf("failed to create module run: %w", err)
	}

	h := &runHandle{
		run:     run,
		decided: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	s.mu.Lock()
	s.active[run.ID] = h
	s.mu.Unlock()

	s.metrics.RecordModuleRunStarted(string(run.Operation), string(run.TriggerSource))
	s.publishStatus(run)
	s.logger.WithModuleRun(run.ID, run.ModuleID).WithFields(map[string]interface{}{
		"operation": run.Operation,
		"version":   run.ModuleVersion,
		"trigger":   run.TriggerSource,
	}).Info("module run queued")

	// The driver owns run from here on.
	snapshot := copyRun(run)
	s.wg.Add(1)
	go s.drive(h, env, module)

	return snapshot, nil
}

// RecordTerminalRun persists a run that never executes: a cascade creates
// skipped, cancelled, or admission-failed runs this way.
func (s *ModuleRunService) RecordTerminalRun(ctx context.Context, req StartRunRequest, event RunEvent, reason string) (*ModuleRun, error) {
	version := req.ModuleVersion
	if version == "" {
		if module, err := s.repo.GetModule(ctx, req.EnvironmentID, req.ModuleID); err == nil {
			version = module.EffectiveVersion()
		}
	}

	now := s.now()
	run := &ModuleRun{
		ID:               uuid.New().String(),
		EnvironmentID:    req.EnvironmentID,
		ModuleID:         req.ModuleID,
		EnvironmentRunID: req.EnvironmentRunID,
		Operation:        req.Operation,
		Status:           statusNone,
		TriggerSource:    req.TriggerSource,
		Priority:         req.Priority,
		QueuePosition:    req.QueuePosition,
		ModuleVersion:    version,
		TriggeredBy:      req.Actor.UserID,
		CreatedAt:        now,
	}
	if err := run.Fire(event, now); err != nil {
		return nil, err
	}
	if !run.Status.IsTerminal() {
		return nil, NewValidationError(fmt.Sprintf("event %s does not end a run", event))
	}

	switch run.Status {
	case ModuleRunSkipped:
		run.SkipReason = reason
	default:
		run.ErrorMessage = reason
	}

	if err := s.repo.CreateModuleRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create module run: %w", err)
	}
	s.publishStatus(run)
	return run, nil
}

// GetModuleRun returns the current state of a run.
func (s *ModuleRunService) GetModuleRun(ctx context.Context, runID string) (*ModuleRun, error) {
	if h := s.handle(runID); h != nil {
		h.mu.Lock()
		defer h.mu.Unlock()
		return copyRun(h.run), nil
	}
	return s.repo.GetModuleRun(ctx, runID)
}

// Confirm moves a planned apply run to confirmed and releases its driver
// into the apply phase.
func (s *ModuleRunService) Confirm(ctx context.Context, runID string, actor Actor) (*ModuleRun, error) {
	return s.decide(ctx, runID, EventConfirm, actor, AuditRunConfirmed)
}

// Discard rejects a planned run. Discarded is terminal.
func (s *ModuleRunService) Discard(ctx context.Context, runID string, actor Actor) (*ModuleRun, error) {
	return s.decide(ctx, runID, EventDiscard, actor, AuditRunDiscarded)
}

// Cancel cancels a run in any non-terminal status except applying.
func (s *ModuleRunService) Cancel(ctx context.Context, runID string, actor Actor) (*ModuleRun, error) {
	return s.decide(ctx, runID, EventCancel, actor, AuditRunCancelled)
}

func (s *ModuleRunService) decide(ctx context.Context, runID string, event RunEvent, actor Actor, action string) (*ModuleRun, error) {
	h := s.handle(runID)
	if h == nil {
		run, err := s.repo.GetModuleRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		return nil, &InvalidTransitionError{RunID: runID, From: run.Status, Event: event}
	}

	h.mu.Lock()
	if err := h.run.Fire(event, s.now()); err != nil {
		h.mu.Unlock()
		return nil, err
	}
	if event != EventCancel {
		h.run.ConfirmedBy = actor.UserID
	}
	if err := s.repo.UpdateModuleRun(ctx, h.run); err != nil {
		h.mu.Unlock()
		return nil, fmt.Errorf("failed to update module run: %w", err)
	}
	run := copyRun(h.run)
	if event == EventCancel && h.cancel != nil {
		h.cancel()
	}
	h.mu.Unlock()

	select {
	case h.decided <- struct{}{}:
	default:
	}

	s.recordAudit(ctx, action, actor, run)
	s.publishStatus(run)
	s.logger.WithModuleRun(run.ID, run.ModuleID).WithField("actor", actor.UserID).Infof("module run %s", run.Status)

	return run, nil
}

// Wait blocks until the run is terminal or ctx is done, then returns it.
func (s *ModuleRunService) Wait(ctx context.Context, runID string) (*ModuleRun, error) {
	if h := s.handle(runID); h != nil {
		select {
		case <-h.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.repo.GetModuleRun(ctx, runID)
}

// ListLogs returns log lines with sequence greater than after.
func (s *ModuleRunService) ListLogs(ctx context.Context, runID string, after int64, limit int) ([]LogLine, error) {
	if _, err := s.repo.GetModuleRun(ctx, runID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultLogPageSize
	}
	return s.repo.ListLogLines(ctx, runID, after, limit)
}

// ActiveRuns returns the number of runs with a live driver.
func (s *ModuleRunService) ActiveRuns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Shutdown aborts every active run and waits for the drivers to exit.
func (s *ModuleRunService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, h := range s.active {
		h.mu.Lock()
		if h.cancel != nil {
			h.cancel()
		}
		h.mu.Unlock()
		select {
		case h.decided <- struct{}{}:
		default:
		}
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RecoverOrphans ends runs left non-terminal by a previous process and clears
// their module locks. Runs mid-execution fail; the rest are cancelled.
func (s *ModuleRunService) RecoverOrphans(ctx context.Context) (int, error) {
	runs, err := s.repo.ListActiveModuleRuns(ctx, "")
	if err != nil {
		return 0, err
	}

	recovered := 0
	for i := range runs {
		run := &runs[i]
		if s.handle(run.ID) != nil {
			continue
		}
		event := EventCancel
		if run.Status == ModuleRunRunning || run.Status == ModuleRunApplying {
			event = EventFail
		}
		if err := run.Fire(event, s.now()); err != nil {
			continue
		}
		run.ErrorMessage = "run interrupted by service restart"
		if err := s.repo.UpdateModuleRun(ctx, run); err != nil {
			return recovered, fmt.Errorf("failed to update orphaned run %s: %w", run.ID, err)
		}
		_ = s.locks.ReleaseModuleLock(ctx, run.EnvironmentID, run.ModuleID, run.ID)
		recovered++
	}
	if recovered > 0 {
		s.logger.Warnf("recovered %d orphaned module runs", recovered)
	}
	return recovered, nil
}

func (s *ModuleRunService) handle(runID string) *runHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[runID]
}

// drive runs the executor phases of one run. The module lock is released and
// the handle dropped on every exit path, including a panic.
func (s *ModuleRunService) drive(h *runHandle, env *Environment, module *EnvironmentModule) {
	started := s.now()
	logger := s.logger.WithModuleRun(h.run.ID, h.run.ModuleID).WithEnvironment(env.ID)

	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("module run driver panicked: %v", r)
			s.finish(h, EventFail, nil, fmt.Sprintf("internal error: %v", r))
		}

		if err := s.locks.ReleaseModuleLock(context.Background(), h.run.EnvironmentID, h.run.ModuleID, h.run.ID); err != nil {
			logger.WithError(err).Error("failed to release module lock")
		}

		s.mu.Lock()
		delete(s.active, h.run.ID)
		s.mu.Unlock()

		h.mu.Lock()
		status, op := h.run.Status, h.run.Operation
		h.mu.Unlock()
		s.metrics.RecordModuleRunCompleted(string(op), string(status), s.now().Sub(started))

		close(h.done)
		s.wg.Done()
	}()

	keepCtx, stopKeep := context.WithCancel(context.Background())
	defer stopKeep()
	go s.locks.KeepModuleLock(keepCtx, env.ID, module.ID, h.run.ID)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.mu.Lock()
	h.cancel = cancel
	h.mu.Unlock()

	if !s.transition(h, EventStart) {
		s.finish(h, EventCancel, nil, "")
		return
	}

	inputs, err := s.resolver.ResolveInputs(runCtx, env.ID, module.ID)
	if err != nil {
		s.finish(h, EventFail, nil, fmt.Sprintf("variable resolution failed: %v", err))
		return
	}

	upstreams := s.upstreamDirs(runCtx, env.ID, inputs)

	h.mu.Lock()
	op := h.run.Operation
	h.mu.Unlock()

	phase := PhasePlan
	switch op {
	case OperationDestroy:
		phase = PhaseDestroy
	case OperationRefresh:
		phase = PhaseRefresh
	}

	result, outcome, execErr := s.executePhase(runCtx, h, env, module, inputs, upstreams, phase, "")
	if outcome != "" {
		s.finish(h, outcome, result, s.failureMessage(h, result, outcome, execErr))
		return
	}

	if !op.RequiresConfirmation() {
		s.finish(h, EventSucceed, result, "")
		return
	}

	h.mu.Lock()
	if result.PlanSummary != nil {
		summary := *result.PlanSummary
		h.run.PlanSummary = &summary
	}
	h.run.PlanOutput = result.PlanOutput
	h.mu.Unlock()

	if !s.transition(h, EventPlanned) {
		s.finish(h, EventCancel, nil, "")
		return
	}

	s.maybeAutoConfirm(runCtx, h, env, module)

	if !s.awaitDecision(runCtx, h) {
		s.finish(h, EventCancel, nil, "run aborted before confirmation")
		return
	}

	if !s.transition(h, EventApply) {
		s.finish(h, EventCancel, nil, "")
		return
	}

	h.mu.Lock()
	planOutput := h.run.PlanOutput
	h.mu.Unlock()

	result, outcome, execErr = s.executePhase(runCtx, h, env, module, inputs, upstreams, PhaseApply, planOutput)
	if outcome != "" {
		s.finish(h, outcome, result, s.failureMessage(h, result, outcome, execErr))
		return
	}
	s.finish(h, EventSucceed, result, "")
}

// executePhase runs one executor phase under the run timeout. It returns the
// terminal event to fire on failure, or "" on success, and the executor error.
func (s *ModuleRunService) executePhase(
	runCtx context.Context,
	h *runHandle,
	env *Environment,
	module *EnvironmentModule,
	inputs []ResolvedVariable,
	upstreams map[string]string,
	phase string,
	planOutput string,
) (*ExecutionResult, RunEvent, error) {
	h.mu.Lock()
	desc := &RunDescriptor{
		RunID:             h.run.ID,
		EnvironmentID:     env.ID,
		ModuleID:          module.ID,
		Operation:         h.run.Operation,
		Phase:             phase,
		ModuleVersion:     h.run.ModuleVersion,
		ExecutionMode:     module.ExecutionMode,
		ArtifactNamespace: module.ArtifactNamespace,
		ArtifactName:      module.ArtifactName,
		WorkingDir:        module.WorkingDir,
		BackendConfig:     module.BackendConfig,
		UpstreamDirs:      upstreams,
		Variables:         inputs,
		PlanOutput:        planOutput,
		CallbackToken:     h.run.CallbackToken,
	}
	h.mu.Unlock()

	phaseCtx := runCtx
	if s.runTimeout > 0 {
		var cancel context.CancelFunc
		phaseCtx, cancel = context.WithTimeout(runCtx, s.runTimeout)
		defer cancel()
	}

	spanCtx, span := s.tracer.StartModuleRunSpan(phaseCtx, desc.RunID, desc.ModuleID, phase)
	defer span.End()

	writer := &runLogWriter{svc: s, h: h}
	writer.WriteLine(StreamStderr, fmt.Sprintf("starting %s phase for %s@%s", phase, module.ID, desc.ModuleVersion))

	result, err := s.executor.Execute(spanCtx, desc, writer)

	switch {
	case errors.Is(phaseCtx.Err(), context.DeadlineExceeded) && runCtx.Err() == nil:
		telemetry.RecordError(span, phaseCtx.Err())
		writer.WriteLine(StreamStderr, fmt.Sprintf("%s phase timed out after %s", phase, s.runTimeout))
		return result, EventTimeout, phaseCtx.Err()
	case err != nil:
		telemetry.RecordError(span, err)
		code := -1
		if result != nil {
			code = result.ExitCode
		}
		h.setExitCode(code)
		return result, EventFail, err
	case result == nil:
		err := errors.New("executor returned no result")
		telemetry.RecordError(span, err)
		return nil, EventFail, err
	}

	code := result.ExitCode
	h.setExitCode(code)

	span.SetAttributes(telemetry.AttrExitCode.Int(code))
	if code != 0 {
		telemetry.RecordError(span, fmt.Errorf("exit code %d", code))
		return result, EventFail, nil
	}
	telemetry.RecordSuccess(span)
	return result, "", nil
}

// upstreamDirs looks up the working directories of the modules whose
// outputs feed inputs.
func (s *ModuleRunService) upstreamDirs(ctx context.Context, environmentID string, inputs []ResolvedVariable) map[string]string {
	var dirs map[string]string
	for _, v := range inputs {
		if v.Output == nil {
			continue
		}
		if _, ok := dirs[v.Output.ModuleID]; ok {
			continue
		}
		if dirs == nil {
			dirs = make(map[string]string)
		}
		dir := ""
		if upstream, err := s.repo.GetModule(ctx, environmentID, v.Output.ModuleID); err == nil {
			dir = upstream.WorkingDir
		}
		dirs[v.Output.ModuleID] = dir
	}
	return dirs
}

func (s *ModuleRunService) failureMessage(h *runHandle, result *ExecutionResult, outcome RunEvent, execErr error) string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if outcome == EventTimeout {
		return fmt.Sprintf("run exceeded timeout of %s", s.runTimeout)
	}
	failure := &ExecutorFailure{ExitCode: -1, LogTail: append([]string{}, h.logTail...), Err: execErr}
	if result != nil {
		failure.ExitCode = result.ExitCode
	}
	return failure.Error() + tailSuffix(failure.LogTail)
}

func tailSuffix(tail []string) string {
	if len(tail) == 0 {
		return ""
	}
	msg := "\n--- last output ---"
	for _, line := range tail {
		msg += "\n" + line
	}
	return msg
}

// maybeAutoConfirm confirms a planned run without a user when the run asked
// for it and the plan gate allows it. A denial leaves the run planned.
func (s *ModuleRunService) maybeAutoConfirm(ctx context.Context, h *runHandle, env *Environment, module *EnvironmentModule) {
	h.mu.Lock()
	auto := h.run.AutoConfirm
	input := &PlanInput{
		EnvironmentID:    env.ID,
		EnvironmentName:  env.Name,
		ModuleID:         module.ID,
		ArtifactName:     module.ArtifactName,
		Operation:        h.run.Operation,
		ModuleVersion:    h.run.ModuleVersion,
		TriggerSource:    string(h.run.TriggerSource),
		EnvironmentRunID: h.run.EnvironmentRunID,
	}
	if h.run.PlanSummary != nil {
		input.PlanSummary = *h.run.PlanSummary
	}
	runID := h.run.ID
	h.mu.Unlock()

	if !auto {
		return
	}

	logger := s.logger.WithModuleRun(runID, module.ID)

	if s.gate != nil {
		allowed, reasons, err := s.gate.AllowAutoConfirm(ctx, input)
		if err != nil {
			logger.WithError(err).Warn("plan policy evaluation failed; waiting for manual confirmation")
			s.metrics.RecordPolicyDecision("error")
			return
		}
		if !allowed {
			s.metrics.RecordPolicyDecision("deny")
			writer := &runLogWriter{svc: s, h: h}
			for _, reason := range reasons {
				writer.WriteLine(StreamStderr, "auto-confirm denied: "+reason)
			}
			logger.WithField("reasons", reasons).Info("auto-confirm denied by policy; waiting for manual confirmation")
			return
		}
		s.metrics.RecordPolicyDecision("allow")
	}

	if _, err := s.Confirm(ctx, runID, SystemActor); err != nil {
		logger.WithError(err).Warn("auto-confirm failed")
	}
}

// checkDestroyPolicy asks the plan gate whether a destroy may run without a
// user. Destroy runs never stop at planned, so a denial or an evaluation
// error rejects admission.
func (s *ModuleRunService) checkDestroyPolicy(ctx context.Context, env *Environment, module *EnvironmentModule, req StartRunRequest, version string) error {
	if s.gate == nil {
		return nil
	}
	input := &PlanInput{
		EnvironmentID:    env.ID,
		EnvironmentName:  env.Name,
		ModuleID:         module.ID,
		ArtifactName:     module.ArtifactName,
		Operation:        OperationDestroy,
		ModuleVersion:    version,
		TriggerSource:    string(req.TriggerSource),
		EnvironmentRunID: req.EnvironmentRunID,
	}

	allowed, reasons, err := s.gate.AllowAutoConfirm(ctx, input)
	if err != nil {
		s.metrics.RecordPolicyDecision("error")
		return NewTransientError("plan policy evaluation failed", err).
			WithCode(ErrCodePolicyDenied).
			WithResource(module.ID).
			WithOperation(string(OperationDestroy))
	}
	if !allowed {
		s.metrics.RecordPolicyDecision("deny")
		s.logger.WithEnvironment(env.ID).WithFields(map[string]interface{}{
			"module_id": module.ID,
			"reasons":   reasons,
		}).Warn("auto-confirmed destroy denied by policy")
		return NewConflictError("auto-confirmed destroy denied by policy: "+strings.Join(reasons, "; "), nil).
			WithCode(ErrCodePolicyDenied).
			WithResource(module.ID).
			WithOperation(string(OperationDestroy)).
			WithDetail("reasons", reasons)
	}
	s.metrics.RecordPolicyDecision("allow")
	return nil
}

// awaitDecision blocks a planned run until it is confirmed, discarded, or
// cancelled. It returns true only for confirmed.
func (s *ModuleRunService) awaitDecision(runCtx context.Context, h *runHandle) bool {
	for {
		h.mu.Lock()
		status := h.run.Status
		h.mu.Unlock()

		switch status {
		case ModuleRunConfirmed:
			return true
		case ModuleRunPlanned:
		default:
			return false
		}

		select {
		case <-h.decided:
		case <-runCtx.Done():
			return false
		}
	}
}

// transition fires an event and persists the run. It returns false when the
// run has already left the expected path, e.g. after a concurrent cancel.
func (s *ModuleRunService) transition(h *runHandle, event RunEvent) bool {
	h.mu.Lock()
	if err := h.run.Fire(event, s.now()); err != nil {
		h.mu.Unlock()
		return false
	}
	if err := s.repo.UpdateModuleRun(context.Background(), h.run); err != nil {
		s.logger.WithModuleRun(h.run.ID, h.run.ModuleID).WithError(err).Error("failed to persist module run")
	}
	run := copyRun(h.run)
	h.mu.Unlock()

	s.publishStatus(run)
	return true
}

func (h *runHandle) setExitCode(code int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.run.Status.IsTerminal() {
		h.run.ExitCode = &code
	}
}

// finish moves the run to a terminal status unless a concurrent request got
// there first, then updates the module's last-run summary.
func (s *ModuleRunService) finish(h *runHandle, event RunEvent, result *ExecutionResult, message string) {
	ctx := context.Background()

	h.mu.Lock()
	if !h.run.Status.IsTerminal() {
		if err := h.run.Fire(event, s.now()); err != nil {
			_ = h.run.Fire(EventCancel, s.now())
		}
		if message != "" && h.run.Status != ModuleRunSucceeded {
			h.run.ErrorMessage = message
		}
		if err := s.repo.UpdateModuleRun(ctx, h.run); err != nil {
			s.logger.WithModuleRun(h.run.ID, h.run.ModuleID).WithError(err).Error("failed to persist module run")
		}
	}
	run := copyRun(h.run)
	h.mu.Unlock()

	s.updateModuleSummary(ctx, run, result)
	s.publishStatus(run)

	logger := s.logger.WithModuleRun(run.ID, run.ModuleID)
	if run.Status == ModuleRunSucceeded {
		logger.Infof("module run %s", run.Status)
	} else {
		logger.WithField("error", run.ErrorMessage).Warnf("module run %s", run.Status)
	}
}

func (s *ModuleRunService) updateModuleSummary(ctx context.Context, run *ModuleRun, result *ExecutionResult) {
	module, err := s.repo.GetModule(ctx, run.EnvironmentID, run.ModuleID)
	if err != nil {
		return
	}

	module.LastRun = &LastRunSummary{
		RunID:      run.ID,
		Status:     run.Status,
		Operation:  run.Operation,
		FinishedAt: run.CompletedAt,
	}
	if run.Status == ModuleRunSucceeded {
		if run.Operation == OperationApply {
			module.CurrentVersion = run.ModuleVersion
			module.DriftStatus = DriftInSync
		}
		if run.Operation == OperationDestroy {
			module.ResourceCount = 0
		} else if result != nil && result.ResourceCount >= 0 {
			module.ResourceCount = result.ResourceCount
		}
		if run.Operation == OperationPlan && run.PlanSummary != nil {
			if run.PlanSummary.HasChanges() {
				module.DriftStatus = DriftDrifted
			} else {
				module.DriftStatus = DriftInSync
			}
		}
	}

	if err := s.repo.UpdateModule(ctx, module); err != nil {
		s.logger.WithModuleRun(run.ID, run.ModuleID).WithError(err).Error("failed to update module summary")
		return
	}

	modules, err := s.repo.ListModules(ctx, run.EnvironmentID)
	if err != nil {
		return
	}
	env, err := s.repo.GetEnvironment(ctx, run.EnvironmentID)
	if err != nil {
		return
	}
	total := 0
	for i := range modules {
		total += modules[i].ResourceCount
	}
	if env.TotalResources != total || env.ModuleCount != len(modules) {
		env.TotalResources = total
		env.ModuleCount = len(modules)
		_ = s.repo.UpdateEnvironment(ctx, env)
	}
}

func (s *ModuleRunService) recordAudit(ctx context.Context, action string, actor Actor, run *ModuleRun) {
	entry := &AuditEntry{
		ID:         uuid.New().String(),
		Action:     action,
		Actor:      actor.UserID,
		TargetType: "module_run",
		TargetID:   run.ID,
		Details: map[string]interface{}{
			"environment_id": run.EnvironmentID,
			"module_id":      run.ModuleID,
			"status":         string(run.Status),
		},
		CreatedAt: s.now(),
	}
	if err := s.repo.CreateAuditEntry(ctx, entry); err != nil {
		s.logger.WithError(err).Error("failed to write audit entry")
	}
}

func (s *ModuleRunService) publishStatus(run *ModuleRun) {
	level := telemetry.EventLevelInfo
	if run.Status.IsFailure() {
		level = telemetry.EventLevelError
	}
	data := map[string]interface{}{
		"status":    string(run.Status),
		"operation": string(run.Operation),
	}
	if run.PlanSummary != nil {
		data["plan_summary"] = *run.PlanSummary
	}
	if run.SkipReason != "" {
		data["skip_reason"] = run.SkipReason
	}
	_ = s.events.Publish(telemetry.Event{
		Type:             telemetry.EventTypeModuleRunStatus,
		Source:           "module-run",
		EnvironmentID:    run.EnvironmentID,
		EnvironmentRunID: run.EnvironmentRunID,
		ModuleRunID:      run.ID,
		ModuleID:         run.ModuleID,
		Level:            level,
		Data:             data,
	})
}

// runLogWriter assigns sequence numbers, persists lines, and fans them out.
type runLogWriter struct {
	svc *ModuleRunService
	h   *runHandle
}

func (w *runLogWriter) WriteLine(stream, content string) {
	w.h.mu.Lock()
	w.h.seq++
	line := &LogLine{
		RunID:     w.h.run.ID,
		Sequence:  w.h.seq,
		Stream:    stream,
		Content:   content,
		CreatedAt: w.svc.now(),
	}
	w.h.logTail = append(w.h.logTail, content)
	if len(w.h.logTail) > w.svc.logTailLines {
		w.h.logTail = w.h.logTail[len(w.h.logTail)-w.svc.logTailLines:]
	}
	envID, envRunID, moduleID := w.h.run.EnvironmentID, w.h.run.EnvironmentRunID, w.h.run.ModuleID
	if err := w.svc.repo.AppendLogLine(context.Background(), line); err != nil {
		w.svc.logger.WithModuleRun(line.RunID, moduleID).WithError(err).Error("failed to persist log line")
	}
	w.h.mu.Unlock()

	_ = w.svc.events.Publish(telemetry.Event{
		Type:             telemetry.EventTypeModuleRunLog,
		Source:           "executor",
		EnvironmentID:    envID,
		EnvironmentRunID: envRunID,
		ModuleRunID:      line.RunID,
		ModuleID:         moduleID,
		Message:          content,
		Data: map[string]interface{}{
			"sequence": line.Sequence,
			"stream":   stream,
		},
	})
}

func copyRun(run *ModuleRun) *ModuleRun {
	c := *run
	if run.PlanSummary != nil {
		summary := *run.PlanSummary
		c.PlanSummary = &summary
	}
	if run.ExitCode != nil {
		code := *run.ExitCode
		c.ExitCode = &code
	}
	return &c
}
