package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/envrun/pkg/telemetry"
)

// DefaultMaxParallel bounds concurrent module runs within one layer.
const DefaultMaxParallel = 4

// DefaultRunListSize is the page size of ListEnvironmentRuns when no limit is given.
const DefaultRunListSize = 50

// StartCascadeRequest describes a bulk operation over an environment.
type StartCascadeRequest struct {
	EnvironmentID string
	Operation     CascadeOperation
	AutoConfirm   bool
	TriggerSource TriggerSource
	Actor         Actor
}

// CascadeScheduler walks an environment's dependency layers, admitting one
// module run per module and propagating failures to dependents as skips.
type CascadeScheduler struct {
	repo        Repository
	runs        *ModuleRunService
	locks       *LockManager
	graphs      *DAGBuilder
	maxParallel int

	events  EventPublisher
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	now     func() time.Time

	mu     sync.Mutex
	active map[string]*cascadeHandle
	wg     sync.WaitGroup
}

type cascadeHandle struct {
	mu  sync.Mutex
	run *EnvironmentRun

	graph *Graph
	req   StartCascadeRequest

	cancelled   bool
	cancelActor Actor

	// outcomes holds the terminal run of each module that has one.
	outcomes map[string]ModuleRun

	// live maps module ID to the ID of its in-flight run.
	live map[string]string

	done chan struct{}
}

// NewCascadeScheduler creates a cascade scheduler.
func NewCascadeScheduler(
	repo Repository,
	runs *ModuleRunService,
	locks *LockManager,
	graphs *DAGBuilder,
	maxParallel int,
	tel *telemetry.Telemetry,
) *CascadeScheduler {
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallel
	}
	if tel == nil {
		tel = telemetry.Noop()
	}
	return &CascadeScheduler{
		repo:        repo,
		runs:        runs,
		locks:       locks,
		graphs:      graphs,
		maxParallel: maxParallel,
		events:      tel.Events,
		logger:      tel.Logger.NewComponentLogger("cascade"),
		metrics:     tel.Metrics,
		tracer:      tel.Tracer,
		now:         func() time.Time { return time.Now().UTC() },
		active:      make(map[string]*cascadeHandle),
	}
}

// StartCascade snapshots the environment's layering into a new environment
// run and starts walking it. Admission fails up front for a locked
// environment or a cyclic graph.
func (c *CascadeScheduler) StartCascade(ctx context.Context, req StartCascadeRequest) (*EnvironmentRun, error) {
	if err := req.Operation.Validate(); err != nil {
		return nil, NewValidationError(err.Error())
	}
	if req.TriggerSource == "" {
		req.TriggerSource = TriggerManual
	}

	env, err := c.repo.GetEnvironment(ctx, req.EnvironmentID)
	if err != nil {
		return nil, err
	}
	if err := c.locks.CheckAdmission(env); err != nil {
		return nil, err
	}

	modules, err := c.repo.ListModules(ctx, req.EnvironmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list modules: %w", err)
	}
	if len(modules) == 0 {
		return nil, NewValidationError("environment has no modules")
	}
	edges, err := c.repo.ListDependencies(ctx, req.EnvironmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list dependencies: %w", err)
	}

	graph, err := c.graphs.BuildGraph(ModuleIDs(modules), edges)
	if err != nil {
		return nil, err
	}

	if req.AutoConfirm && req.Operation == CascadeDestroyAll {
		for i := range modules {
			moduleReq := StartRunRequest{
				EnvironmentID: req.EnvironmentID,
				ModuleID:      modules[i].ID,
				Operation:     OperationDestroy,
				AutoConfirm:   true,
				TriggerSource: req.TriggerSource,
				Actor:         req.Actor,
			}
			if err := c.runs.checkDestroyPolicy(ctx, env, &modules[i], moduleReq, modules[i].EffectiveVersion()); err != nil {
				return nil, err
			}
		}
	}

	run := &EnvironmentRun{
		ID:             uuid.New().String(),
		EnvironmentID:  req.EnvironmentID,
		Operation:      req.Operation,
		Status:         EnvironmentRunPending,
		ExecutionOrder: graph.ExecutionOrder(),
		Layers:         graph.Layers(),
		TotalModules:   graph.Len(),
		AutoConfirm:    req.AutoConfirm && req.Operation != CascadePlanAll,
		TriggerSource:  req.TriggerSource,
		TriggeredBy:    req.Actor.UserID,
		CreatedAt:      c.now(),
	}
	if err := c.repo.CreateEnvironmentRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create environment run: %w", err)
	}

	h := &cascadeHandle{
		run:      run,
		graph:    graph,
		req:      req,
		outcomes: make(map[string]ModuleRun),
		live:     make(map[string]string),
		done:     make(chan struct{}),
	}

	c.mu.Lock()
	c.active[run.ID] = h
	c.mu.Unlock()

	c.metrics.RecordCascadeStarted(string(run.Operation))
	c.publish(run)
	c.logger.WithEnvironment(env.ID).WithEnvironmentRun(run.ID).WithFields(map[string]interface{}{
		"operation": run.Operation,
		"modules":   run.TotalModules,
		"layers":    len(run.Layers),
	}).Info("cascade started")

	// The walker owns run from here on.
	snapshot := copyEnvironmentRun(run)
	c.wg.Add(1)
	go c.walk(h)

	return snapshot, nil
}

// GetEnvironmentRun returns the current state of an environment run.
func (c *CascadeScheduler) GetEnvironmentRun(ctx context.Context, runID string) (*EnvironmentRun, error) {
	if h := c.handle(runID); h != nil {
		h.mu.Lock()
		defer h.mu.Unlock()
		return copyEnvironmentRun(h.run), nil
	}
	return c.repo.GetEnvironmentRun(ctx, runID)
}

// ListModuleRuns returns the child runs of an environment run in execution order.
func (c *CascadeScheduler) ListModuleRuns(ctx context.Context, runID string) ([]ModuleRun, error) {
	envRun, err := c.GetEnvironmentRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	runs, err := c.repo.ListModuleRunsByEnvironmentRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	position := make(map[string]int, len(envRun.ExecutionOrder))
	for i, id := range envRun.ExecutionOrder {
		position[id] = i
	}
	sort.SliceStable(runs, func(i, j int) bool {
		return position[runs[i].ModuleID] < position[runs[j].ModuleID]
	})
	return runs, nil
}

// ListEnvironmentRuns returns an environment's most recent runs, newest first.
func (c *CascadeScheduler) ListEnvironmentRuns(ctx context.Context, environmentID string, limit int) ([]EnvironmentRun, error) {
	if _, err := c.repo.GetEnvironment(ctx, environmentID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultRunListSize
	}
	return c.repo.ListEnvironmentRuns(ctx, environmentID, limit)
}

// Cancel stops admitting new module runs and cancels every in-flight child
// that can still be cancelled. Applying children finish first.
func (c *CascadeScheduler) Cancel(ctx context.Context, runID string, actor Actor) (*EnvironmentRun, error) {
	h := c.handle(runID)
	if h == nil {
		run, err := c.repo.GetEnvironmentRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		return nil, NewConflictError(fmt.Sprintf("environment run is %s", run.Status), nil).
			WithCode(ErrCodeConflict).
			WithResource(runID)
	}

	h.mu.Lock()
	if h.cancelled {
		run := copyEnvironmentRun(h.run)
		h.mu.Unlock()
		return run, nil
	}
	h.cancelled = true
	h.cancelActor = actor
	live := make([]string, 0, len(h.live))
	for _, childID := range h.live {
		live = append(live, childID)
	}
	run := copyEnvironmentRun(h.run)
	h.mu.Unlock()

	sort.Strings(live)
	for _, childID := range live {
		if _, err := c.runs.Cancel(ctx, childID, actor); err != nil {
			var invalid *InvalidTransitionError
			if !errors.As(err, &invalid) {
				c.logger.WithEnvironmentRun(runID).WithError(err).Warn("failed to cancel child run")
			}
		}
	}

	c.audit(ctx, actor, run)
	c.logger.WithEnvironmentRun(runID).WithField("actor", actor.UserID).Info("cascade cancellation requested")
	return run, nil
}

// Wait blocks until the environment run is terminal or ctx is done.
func (c *CascadeScheduler) Wait(ctx context.Context, runID string) (*EnvironmentRun, error) {
	if h := c.handle(runID); h != nil {
		select {
		case <-h.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return c.repo.GetEnvironmentRun(ctx, runID)
}

// Shutdown cancels every active cascade and waits for their walkers to exit.
func (c *CascadeScheduler) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	ids := make([]string, 0, len(c.active))
	for id := range c.active {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		_, _ = c.Cancel(ctx, id, SystemActor)
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RecoverOrphans closes environment runs left non-terminal by a previous
// process. Their status is recomputed as cancelled from the stored children.
func (c *CascadeScheduler) RecoverOrphans(ctx context.Context) (int, error) {
	envs, err := c.repo.ListEnvironments(ctx)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, env := range envs {
		runs, err := c.repo.ListEnvironmentRuns(ctx, env.ID, 0)
		if err != nil {
			return recovered, err
		}
		for i := range runs {
			run := &runs[i]
			if run.Status.IsTerminal() || c.handle(run.ID) != nil {
				continue
			}
			children, err := c.repo.ListModuleRunsByEnvironmentRun(ctx, run.ID)
			if err != nil {
				return recovered, err
			}
			agg := Aggregate(run.TotalModules, children, true)
			agg.ApplyTo(run)
			run.Status = EnvironmentRunCancelled
			now := c.now()
			run.CompletedAt = &now
			if err := c.repo.UpdateEnvironmentRun(ctx, run); err != nil {
				return recovered, err
			}
			recovered++
		}
	}
	if recovered > 0 {
		c.logger.Warnf("recovered %d orphaned environment runs", recovered)
	}
	return recovered, nil
}

func (c *CascadeScheduler) handle(runID string) *cascadeHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active[runID]
}

// walk admits modules layer by layer. A layer starts only after every run of
// the previous layer is terminal.
func (c *CascadeScheduler) walk(h *cascadeHandle) {
	started := c.now()
	logger := c.logger.WithEnvironment(h.run.EnvironmentID).WithEnvironmentRun(h.run.ID)

	ctx, span := c.tracer.StartCascadeSpan(context.Background(), h.run.EnvironmentID, h.run.ID, string(h.run.Operation))

	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("cascade walker panicked: %v", r)
			h.mu.Lock()
			h.cancelled = true
			h.mu.Unlock()
		}

		run := c.finalize(h)
		span.SetAttributes(telemetry.AttrRunStatus.String(string(run.Status)))
		if run.Status == EnvironmentRunSucceeded {
			telemetry.RecordSuccess(span)
		} else {
			telemetry.RecordError(span, fmt.Errorf("environment run %s", run.Status))
		}
		span.End()

		c.metrics.RecordCascadeCompleted(string(run.Operation), string(run.Status), c.now().Sub(started))
		logger.WithFields(map[string]interface{}{
			"status":    run.Status,
			"completed": run.Completed,
			"failed":    run.Failed,
			"skipped":   run.Skipped,
		}).Info("cascade finished")

		c.mu.Lock()
		delete(c.active, h.run.ID)
		c.mu.Unlock()
		close(h.done)
		c.wg.Done()
	}()

	h.mu.Lock()
	now := c.now()
	h.run.Status = EnvironmentRunRunning
	h.run.StartedAt = &now
	c.persist(ctx, h)
	run := copyEnvironmentRun(h.run)
	h.mu.Unlock()
	c.publish(run)

	position := make(map[string]int, len(run.ExecutionOrder))
	for i, id := range run.ExecutionOrder {
		position[id] = i + 1
	}

	sem := make(chan struct{}, c.maxParallel)

	for layerIndex, layer := range run.Layers {
		if c.isCancelled(h) {
			break
		}
		logger.Debugf("starting layer %d with %d modules", layerIndex, len(layer))

		var wg sync.WaitGroup
		for _, moduleID := range layer {
			if c.hasOutcome(h, moduleID) {
				continue
			}
			wg.Add(1)
			sem <- struct{}{}
			go func(moduleID string) {
				defer wg.Done()
				defer func() { <-sem }()
				c.runModule(ctx, h, moduleID, position[moduleID])
			}(moduleID)
		}
		wg.Wait()
	}
}

// runModule admits and waits for one module's run, then records its outcome.
func (c *CascadeScheduler) runModule(ctx context.Context, h *cascadeHandle, moduleID string, queuePosition int) {
	req := StartRunRequest{
		EnvironmentID:    h.req.EnvironmentID,
		ModuleID:         moduleID,
		Operation:        h.req.Operation.ModuleOperation(),
		AutoConfirm:      h.run.AutoConfirm,
		TriggerSource:    TriggerEnvRun,
		Actor:            h.req.Actor,
		Priority:         PriorityCascade,
		EnvironmentRunID: h.run.ID,
		QueuePosition:    queuePosition,
	}

	if c.isCancelled(h) {
		c.recordTerminal(ctx, h, req, EventCancel, "environment run cancelled")
		return
	}

	run, err := c.runs.StartModuleRun(ctx, req)
	if err != nil {
		c.logger.WithEnvironmentRun(h.run.ID).WithField("module_id", moduleID).WithError(err).Warn("module admission failed")
		c.recordTerminal(ctx, h, req, EventFail, fmt.Sprintf("admission failed: %v", err))
		return
	}

	h.mu.Lock()
	h.live[moduleID] = run.ID
	cancelled := h.cancelled
	h.mu.Unlock()

	// Cancel may have snapshotted live runs before this one was registered.
	if cancelled {
		if _, err := c.runs.Cancel(ctx, run.ID, h.cancelActorSnapshot()); err != nil {
			var invalid *InvalidTransitionError
			if !errors.As(err, &invalid) {
				c.logger.WithEnvironmentRun(h.run.ID).WithError(err).Warn("failed to cancel child run")
			}
		}
	}

	final, err := c.runs.Wait(ctx, run.ID)
	if err != nil {
		c.logger.WithEnvironmentRun(h.run.ID).WithField("module_id", moduleID).WithError(err).Error("failed to read module run outcome")
		return
	}

	h.mu.Lock()
	delete(h.live, moduleID)
	h.mu.Unlock()

	c.recordOutcome(ctx, h, *final)
}

func (c *CascadeScheduler) recordTerminal(ctx context.Context, h *cascadeHandle, req StartRunRequest, event RunEvent, reason string) {
	run, err := c.runs.RecordTerminalRun(ctx, req, event, reason)
	if err != nil {
		c.logger.WithEnvironmentRun(h.run.ID).WithField("module_id", req.ModuleID).WithError(err).Error("failed to record module run")
		return
	}
	c.recordOutcome(ctx, h, *run)
}

// recordOutcome stores a terminal child run, skips every descendant of a
// failed module, and persists the aggregate.
func (c *CascadeScheduler) recordOutcome(ctx context.Context, h *cascadeHandle, run ModuleRun) {
	h.mu.Lock()
	h.outcomes[run.ModuleID] = run

	var toSkip []string
	if run.Status.IsFailure() && !h.cancelled {
		for _, id := range h.graph.Descendants(run.ModuleID) {
			if _, done := h.outcomes[id]; !done {
				// Reserve the slot so a concurrent failure does not skip it twice.
				h.outcomes[id] = ModuleRun{ModuleID: id, Status: ModuleRunSkipped}
				toSkip = append(toSkip, id)
			}
		}
	}
	h.mu.Unlock()

	for _, id := range toSkip {
		req := StartRunRequest{
			EnvironmentID:    h.req.EnvironmentID,
			ModuleID:         id,
			Operation:        h.req.Operation.ModuleOperation(),
			TriggerSource:    TriggerEnvRun,
			Actor:            h.req.Actor,
			Priority:         PriorityCascade,
			EnvironmentRunID: h.run.ID,
			QueuePosition:    h.positionOf(id),
		}
		reason := fmt.Sprintf("upstream module %s %s", run.ModuleID, run.Status)
		skipped, err := c.runs.RecordTerminalRun(ctx, req, EventSkip, reason)
		h.mu.Lock()
		if err != nil {
			delete(h.outcomes, id)
		} else {
			h.outcomes[id] = *skipped
		}
		h.mu.Unlock()
		if err != nil {
			c.logger.WithEnvironmentRun(h.run.ID).WithField("module_id", id).WithError(err).Error("failed to record skipped run")
		}
	}
	if len(toSkip) > 0 {
		c.metrics.RecordModuleSkipped(string(h.run.Operation), len(toSkip))
	}

	h.mu.Lock()
	c.aggregate(h).ApplyTo(h.run)
	if h.run.Status.IsTerminal() {
		// The walker owns the final transition.
		h.run.Status = EnvironmentRunRunning
	}
	c.persist(ctx, h)
	snapshot := copyEnvironmentRun(h.run)
	h.mu.Unlock()

	c.publish(snapshot)
}

// finalize records cancelled runs for modules never admitted and writes the
// terminal status.
func (c *CascadeScheduler) finalize(h *cascadeHandle) *EnvironmentRun {
	ctx := context.Background()

	h.mu.Lock()
	var missing []string
	for _, id := range h.run.ExecutionOrder {
		if _, ok := h.outcomes[id]; !ok {
			missing = append(missing, id)
		}
	}
	h.mu.Unlock()

	for _, id := range missing {
		req := StartRunRequest{
			EnvironmentID:    h.req.EnvironmentID,
			ModuleID:         id,
			Operation:        h.req.Operation.ModuleOperation(),
			TriggerSource:    TriggerEnvRun,
			Actor:            h.req.Actor,
			Priority:         PriorityCascade,
			EnvironmentRunID: h.run.ID,
			QueuePosition:    h.positionOf(id),
		}
		run, err := c.runs.RecordTerminalRun(ctx, req, EventCancel, "environment run cancelled")
		if err != nil {
			c.logger.WithEnvironmentRun(h.run.ID).WithField("module_id", id).WithError(err).Error("failed to record cancelled run")
			continue
		}
		h.mu.Lock()
		h.outcomes[id] = *run
		h.mu.Unlock()
	}

	h.mu.Lock()
	if len(missing) > 0 {
		h.cancelled = true
	} else if h.cancelled && !anyCancelled(h.outcomes) {
		// The cancel arrived after every module had already finished.
		h.cancelled = false
	}
	agg := c.aggregate(h)
	agg.ApplyTo(h.run)
	if !agg.Done {
		h.run.Status = EnvironmentRunFailed
	}
	now := c.now()
	h.run.CompletedAt = &now
	c.persist(ctx, h)
	run := copyEnvironmentRun(h.run)
	h.mu.Unlock()

	c.publish(run)
	return run
}

// aggregate must be called with h.mu held.
func (c *CascadeScheduler) aggregate(h *cascadeHandle) Aggregation {
	runs := make([]ModuleRun, 0, len(h.outcomes))
	for _, run := range h.outcomes {
		runs = append(runs, run)
	}
	return Aggregate(h.run.TotalModules, runs, h.cancelled)
}

func anyCancelled(outcomes map[string]ModuleRun) bool {
	for _, run := range outcomes {
		if run.Status == ModuleRunCancelled {
			return true
		}
	}
	return false
}

// persist must be called with h.mu held.
func (c *CascadeScheduler) persist(ctx context.Context, h *cascadeHandle) {
	if err := c.repo.UpdateEnvironmentRun(ctx, h.run); err != nil {
		c.logger.WithEnvironmentRun(h.run.ID).WithError(err).Error("failed to persist environment run")
	}
}

func (c *CascadeScheduler) isCancelled(h *cascadeHandle) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

func (c *CascadeScheduler) hasOutcome(h *cascadeHandle, moduleID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.outcomes[moduleID]
	return ok
}

func (h *cascadeHandle) positionOf(moduleID string) int {
	for i, id := range h.run.ExecutionOrder {
		if id == moduleID {
			return i + 1
		}
	}
	return 0
}

func (h *cascadeHandle) cancelActorSnapshot() Actor {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelActor
}

func (c *CascadeScheduler) audit(ctx context.Context, actor Actor, run *EnvironmentRun) {
	entry := &AuditEntry{
		ID:         uuid.New().String(),
		Action:     AuditCascadeCancelled,
		Actor:      actor.UserID,
		TargetType: "environment_run",
		TargetID:   run.ID,
		Details: map[string]interface{}{
			"environment_id": run.EnvironmentID,
			"operation":      string(run.Operation),
		},
		CreatedAt: c.now(),
	}
	if err := c.repo.CreateAuditEntry(ctx, entry); err != nil {
		c.logger.WithError(err).Error("failed to write audit entry")
	}
}

func (c *CascadeScheduler) publish(run *EnvironmentRun) {
	level := telemetry.EventLevelInfo
	if run.Status == EnvironmentRunFailed || run.Status == EnvironmentRunPartialFailure {
		level = telemetry.EventLevelError
	}
	_ = c.events.Publish(telemetry.Event{
		Type:             telemetry.EventTypeEnvironmentRunStatus,
		Source:           "cascade",
		EnvironmentID:    run.EnvironmentID,
		EnvironmentRunID: run.ID,
		Level:            level,
		Data: map[string]interface{}{
			"status":    string(run.Status),
			"operation": string(run.Operation),
			"total":     run.TotalModules,
			"completed": run.Completed,
			"failed":    run.Failed,
			"skipped":   run.Skipped,
		},
	})
}

func copyEnvironmentRun(run *EnvironmentRun) *EnvironmentRun {
	c := *run
	c.ExecutionOrder = append([]string(nil), run.ExecutionOrder...)
	c.Layers = make([][]string, len(run.Layers))
	for i, layer := range run.Layers {
		c.Layers[i] = append([]string(nil), layer...)
	}
	return &c
}
