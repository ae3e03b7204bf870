package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

func startRun(t *testing.T, f *fixture, moduleID string, op Operation, autoConfirm bool) *ModuleRun {
	t.Helper()
	run, err := f.engine.Runs.StartModuleRun(context.Background(), StartRunRequest{
		EnvironmentID: f.env.ID,
		ModuleID:      moduleID,
		Operation:     op,
		AutoConfirm:   autoConfirm,
		Actor:         Actor{UserID: "alice"},
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	return run
}

func TestModuleRunService_PlanSucceeds(t *testing.T) {
	f := newFixture(t, Options{})
	f.addModules(t, "vpc")

	run := startRun(t, f, "vpc", OperationPlan, false)
	if run.Status != ModuleRunQueued {
		t.Errorf("Expected queued at admission, got %s", run.Status)
	}
	if run.CallbackToken == "" {
		t.Error("Expected a callback token")
	}
	if run.ModuleVersion != "1.0.0" {
		t.Errorf("Expected module's current version, got %s", run.ModuleVersion)
	}

	final, err := f.engine.Runs.Wait(waitCtx(t), run.ID)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if final.Status != ModuleRunSucceeded {
		t.Fatalf("Expected succeeded, got %s (%s)", final.Status, final.ErrorMessage)
	}
	if final.ExitCode == nil || *final.ExitCode != 0 {
		t.Errorf("Expected exit code 0, got %v", final.ExitCode)
	}

	holder, _ := f.engine.Locks.ModuleLockHolder(context.Background(), "prod", "vpc")
	if holder != "" {
		t.Errorf("Expected module lock released, held by %s", holder)
	}

	module, _ := f.repo.GetModule(context.Background(), "prod", "vpc")
	if module.LastRun == nil || module.LastRun.RunID != run.ID || module.LastRun.Status != ModuleRunSucceeded {
		t.Errorf("Expected last run summary, got %+v", module.LastRun)
	}
	if module.DriftStatus != DriftDrifted {
		t.Errorf("Expected a plan with changes to mark drift, got %s", module.DriftStatus)
	}
}

func TestModuleRunService_ApplyWaitsForConfirmation(t *testing.T) {
	f := newFixture(t, Options{})
	f.addModules(t, "vpc")

	run := startRun(t, f, "vpc", OperationApply, false)
	planned := waitForStatus(t, f.engine.Runs, run.ID, ModuleRunPlanned)

	if planned.PlanSummary == nil || planned.PlanSummary.Add != 1 {
		t.Errorf("Expected plan summary, got %+v", planned.PlanSummary)
	}
	if f.executor.called("vpc/apply") {
		t.Fatal("Expected apply not to run before confirmation")
	}

	confirmed, err := f.engine.Runs.Confirm(context.Background(), run.ID, Actor{UserID: "bob"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if confirmed.ConfirmedBy != "bob" {
		t.Errorf("Expected confirmed_by bob, got %s", confirmed.ConfirmedBy)
	}

	final, err := f.engine.Runs.Wait(waitCtx(t), run.ID)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if final.Status != ModuleRunSucceeded {
		t.Fatalf("Expected succeeded, got %s (%s)", final.Status, final.ErrorMessage)
	}
	if !f.executor.called("vpc/apply") {
		t.Error("Expected apply phase to run")
	}

	module, _ := f.repo.GetModule(context.Background(), "prod", "vpc")
	if module.ResourceCount != 3 {
		t.Errorf("Expected resource count 3, got %d", module.ResourceCount)
	}
	env, _ := f.repo.GetEnvironment(context.Background(), "prod")
	if env.TotalResources != 3 {
		t.Errorf("Expected environment total 3, got %d", env.TotalResources)
	}

	found := false
	for _, action := range f.repo.auditActions() {
		if action == AuditRunConfirmed {
			found = true
		}
	}
	if !found {
		t.Error("Expected confirm to be audited")
	}
}

func TestModuleRunService_Discard(t *testing.T) {
	f := newFixture(t, Options{})
	f.addModules(t, "vpc")

	run := startRun(t, f, "vpc", OperationApply, false)
	waitForStatus(t, f.engine.Runs, run.ID, ModuleRunPlanned)

	if _, err := f.engine.Runs.Discard(context.Background(), run.ID, Actor{UserID: "bob"}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	final, _ := f.engine.Runs.Wait(waitCtx(t), run.ID)
	if final.Status != ModuleRunDiscarded {
		t.Errorf("Expected discarded, got %s", final.Status)
	}
	if f.executor.called("vpc/apply") {
		t.Error("Expected no apply after discard")
	}

	_, err := f.engine.Runs.Confirm(context.Background(), run.ID, Actor{UserID: "bob"})
	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Errorf("Expected InvalidTransitionError confirming a discarded run, got: %v", err)
	}
}

func TestModuleRunService_AutoConfirm(t *testing.T) {
	f := newFixture(t, Options{Gate: &staticGate{allow: true}})
	f.addModules(t, "vpc")

	run := startRun(t, f, "vpc", OperationApply, true)
	final, _ := f.engine.Runs.Wait(waitCtx(t), run.ID)

	if final.Status != ModuleRunSucceeded {
		t.Fatalf("Expected succeeded, got %s (%s)", final.Status, final.ErrorMessage)
	}
	if final.ConfirmedBy != SystemActor.UserID {
		t.Errorf("Expected system confirmation, got %s", final.ConfirmedBy)
	}
}

func TestModuleRunService_AutoConfirmDeniedByGate(t *testing.T) {
	f := newFixture(t, Options{Gate: &staticGate{allow: false, reasons: []string{"plan destroys 2 resources"}}})
	f.addModules(t, "vpc")

	run := startRun(t, f, "vpc", OperationApply, true)
	waitForStatus(t, f.engine.Runs, run.ID, ModuleRunPlanned)

	// Give the driver time to evaluate the gate; the run must stay planned.
	time.Sleep(50 * time.Millisecond)
	current, _ := f.engine.Runs.GetModuleRun(context.Background(), run.ID)
	if current.Status != ModuleRunPlanned {
		t.Fatalf("Expected run to wait for a user, got %s", current.Status)
	}

	logs, err := f.engine.Runs.ListLogs(context.Background(), run.ID, 0, 0)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	denied := false
	for _, line := range logs {
		if strings.Contains(line.Content, "plan destroys 2 resources") {
			denied = true
		}
	}
	if !denied {
		t.Error("Expected denial reason in run logs")
	}

	if _, err := f.engine.Runs.Confirm(context.Background(), run.ID, Actor{UserID: "bob"}); err != nil {
		t.Fatalf("Expected manual confirmation to work, got: %v", err)
	}
	final, _ := f.engine.Runs.Wait(waitCtx(t), run.ID)
	if final.Status != ModuleRunSucceeded {
		t.Errorf("Expected succeeded, got %s", final.Status)
	}
}

func TestModuleRunService_AutoConfirmedDestroyCheckedAtAdmission(t *testing.T) {
	gate := &staticGate{allow: false, reasons: []string{"destroy of module vpc in prod"}}
	f := newFixture(t, Options{Gate: gate})
	f.addModules(t, "vpc")

	_, err := f.engine.Runs.StartModuleRun(context.Background(), StartRunRequest{
		EnvironmentID: "prod",
		ModuleID:      "vpc",
		Operation:     OperationDestroy,
		AutoConfirm:   true,
		Actor:         Actor{UserID: "alice"},
	})
	if ErrorCode(err) != ErrCodePolicyDenied || !IsConflict(err) {
		t.Fatalf("Expected POLICY_DENIED conflict, got: %v", err)
	}
	if !strings.Contains(err.Error(), "destroy of module vpc in prod") {
		t.Errorf("Expected denial reason in error, got: %v", err)
	}

	seen := gate.seen()
	if len(seen) != 1 || seen[0].Operation != OperationDestroy || seen[0].EnvironmentName != "prod" {
		t.Errorf("Expected one destroy evaluation for prod, got %+v", seen)
	}
	if len(f.executor.callList()) != 0 {
		t.Errorf("Expected no executor call, got %v", f.executor.callList())
	}
	if holder, _ := f.engine.Locks.ModuleLockHolder(context.Background(), "prod", "vpc"); holder != "" {
		t.Errorf("Expected no module lock after a rejected admission, held by %s", holder)
	}

	// Without auto-confirm the request itself is the user's decision.
	run := startRun(t, f, "vpc", OperationDestroy, false)
	final, _ := f.engine.Runs.Wait(waitCtx(t), run.ID)
	if final.Status != ModuleRunSucceeded {
		t.Errorf("Expected manual destroy to run, got %s", final.Status)
	}
	if len(gate.seen()) != 1 {
		t.Errorf("Expected no gate evaluation for a manual destroy, got %d", len(gate.seen()))
	}
}

func TestModuleRunService_PlannedRunKeepsModuleLockPastTTL(t *testing.T) {
	f := newFixture(t, Options{Locker: newExpiringLocker(), LockTTL: 60 * time.Millisecond})
	f.addModules(t, "vpc")

	run := startRun(t, f, "vpc", OperationApply, false)
	waitForStatus(t, f.engine.Runs, run.ID, ModuleRunPlanned)

	// Several TTLs pass while the plan waits for confirmation.
	time.Sleep(300 * time.Millisecond)

	if holder, _ := f.engine.Locks.ModuleLockHolder(context.Background(), "prod", "vpc"); holder != run.ID {
		t.Errorf("Expected %s to still hold the module lock, got %q", run.ID, holder)
	}
	_, err := f.engine.Runs.StartModuleRun(context.Background(), StartRunRequest{
		EnvironmentID: "prod",
		ModuleID:      "vpc",
		Operation:     OperationPlan,
		Actor:         Actor{UserID: "bob"},
	})
	var locked *ModuleLockedError
	if !errors.As(err, &locked) || locked.HeldBy != run.ID {
		t.Fatalf("Expected ModuleLockedError held by %s, got: %v", run.ID, err)
	}

	if _, err := f.engine.Runs.Discard(context.Background(), run.ID, Actor{UserID: "alice"}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if _, err := f.engine.Runs.Wait(waitCtx(t), run.ID); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if holder, _ := f.engine.Locks.ModuleLockHolder(context.Background(), "prod", "vpc"); holder != "" {
		t.Errorf("Expected the lock released after discard, held by %s", holder)
	}
}

func TestModuleRunService_ExecutorFailure(t *testing.T) {
	f := newFixture(t, Options{})
	f.addModules(t, "eks")
	f.executor.script("eks", PhasePlan, phaseScript{err: errors.New("provider crashed")})

	run := startRun(t, f, "eks", OperationPlan, false)
	final, _ := f.engine.Runs.Wait(waitCtx(t), run.ID)

	if final.Status != ModuleRunFailed {
		t.Fatalf("Expected failed, got %s", final.Status)
	}
	if !strings.Contains(final.ErrorMessage, "provider crashed") {
		t.Errorf("Expected executor error in message, got %q", final.ErrorMessage)
	}
	if !strings.Contains(final.ErrorMessage, "executing eks/plan") {
		t.Errorf("Expected log tail in message, got %q", final.ErrorMessage)
	}
	if len(f.executor.callList()) != 1 {
		t.Errorf("Expected no implicit retry, got calls %v", f.executor.callList())
	}
}

func TestModuleRunService_NonZeroExitDuringApply(t *testing.T) {
	f := newFixture(t, Options{Gate: &staticGate{allow: true}})
	f.addModules(t, "eks")
	f.executor.script("eks", PhaseApply, phaseScript{exitCode: 1})

	run := startRun(t, f, "eks", OperationApply, true)
	final, _ := f.engine.Runs.Wait(waitCtx(t), run.ID)

	if final.Status != ModuleRunFailed {
		t.Fatalf("Expected failed, got %s", final.Status)
	}
	if final.ExitCode == nil || *final.ExitCode != 1 {
		t.Errorf("Expected exit code 1, got %v", final.ExitCode)
	}
}

func TestModuleRunService_Timeout(t *testing.T) {
	f := newFixture(t, Options{RunTimeout: 30 * time.Millisecond})
	f.addModules(t, "vpc")
	f.executor.script("vpc", PhasePlan, phaseScript{block: true})

	run := startRun(t, f, "vpc", OperationPlan, false)
	final, _ := f.engine.Runs.Wait(waitCtx(t), run.ID)

	if final.Status != ModuleRunTimedOut {
		t.Fatalf("Expected timed_out, got %s", final.Status)
	}
	holder, _ := f.engine.Locks.ModuleLockHolder(context.Background(), "prod", "vpc")
	if holder != "" {
		t.Error("Expected module lock released after timeout")
	}
}

func TestModuleRunService_CancelRunning(t *testing.T) {
	f := newFixture(t, Options{})
	f.addModules(t, "vpc")
	f.executor.script("vpc", PhasePlan, phaseScript{block: true})

	run := startRun(t, f, "vpc", OperationPlan, false)
	waitForStatus(t, f.engine.Runs, run.ID, ModuleRunRunning)

	cancelled, err := f.engine.Runs.Cancel(context.Background(), run.ID, Actor{UserID: "alice"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if cancelled.Status != ModuleRunCancelled {
		t.Errorf("Expected cancelled, got %s", cancelled.Status)
	}

	final, _ := f.engine.Runs.Wait(waitCtx(t), run.ID)
	if final.Status != ModuleRunCancelled {
		t.Errorf("Expected run to stay cancelled, got %s", final.Status)
	}
}

func TestModuleRunService_CancelApplyingRejected(t *testing.T) {
	f := newFixture(t, Options{Gate: &staticGate{allow: true}})
	f.addModules(t, "vpc")
	f.executor.script("vpc", PhaseApply, phaseScript{block: true})

	run := startRun(t, f, "vpc", OperationApply, true)
	waitForStatus(t, f.engine.Runs, run.ID, ModuleRunApplying)

	_, err := f.engine.Runs.Cancel(context.Background(), run.ID, Actor{UserID: "alice"})
	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("Expected InvalidTransitionError, got: %v", err)
	}

	f.executor.release()
	final, _ := f.engine.Runs.Wait(waitCtx(t), run.ID)
	if final.Status != ModuleRunSucceeded {
		t.Errorf("Expected apply to finish, got %s", final.Status)
	}
}

func TestModuleRunService_LockExclusivity(t *testing.T) {
	f := newFixture(t, Options{})
	f.addModules(t, "vpc")
	f.executor.script("vpc", PhasePlan, phaseScript{block: true})

	const attempts = 20
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		ok     int
		locked int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Runs.StartModuleRun(context.Background(), StartRunRequest{
				EnvironmentID: "prod",
				ModuleID:      "vpc",
				Operation:     OperationPlan,
			})
			mu.Lock()
			defer mu.Unlock()
			var lockedErr *ModuleLockedError
			switch {
			case err == nil:
				ok++
			case errors.As(err, &lockedErr):
				locked++
			default:
				t.Errorf("Unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != 1 || locked != attempts-1 {
		t.Errorf("Expected 1 admitted and %d locked, got %d and %d", attempts-1, ok, locked)
	}
	f.executor.release()
}

func TestModuleRunService_EnvironmentLocked(t *testing.T) {
	f := newFixture(t, Options{})
	f.addModules(t, "vpc")

	if _, err := f.engine.Locks.LockEnvironment(context.Background(), "prod", Actor{UserID: "ops"}, "freeze"); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	_, err := f.engine.Runs.StartModuleRun(context.Background(), StartRunRequest{
		EnvironmentID: "prod", ModuleID: "vpc", Operation: OperationPlan,
	})
	var lockedErr *EnvironmentLockedError
	if !errors.As(err, &lockedErr) {
		t.Fatalf("Expected EnvironmentLockedError, got: %v", err)
	}
	if lockedErr.LockedBy != "ops" {
		t.Errorf("Expected locked by ops, got %s", lockedErr.LockedBy)
	}
	if len(f.executor.callList()) != 0 {
		t.Error("Expected no executor call for a rejected run")
	}
}

func TestModuleRunService_LogSequence(t *testing.T) {
	f := newFixture(t, Options{})
	f.addModules(t, "vpc")

	run := startRun(t, f, "vpc", OperationPlan, false)
	if _, err := f.engine.Runs.Wait(waitCtx(t), run.ID); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	logs, err := f.engine.Runs.ListLogs(context.Background(), run.ID, 0, 0)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(logs) < 2 {
		t.Fatalf("Expected at least 2 log lines, got %d", len(logs))
	}
	for i, line := range logs {
		if line.Sequence != int64(i+1) {
			t.Errorf("Expected sequence %d, got %d", i+1, line.Sequence)
		}
		if line.Stream != StreamStdout && line.Stream != StreamStderr {
			t.Errorf("Expected stdout or stderr stream, got %q for %q", line.Stream, line.Content)
		}
	}

	after, err := f.engine.Runs.ListLogs(context.Background(), run.ID, 1, 0)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(after) != len(logs)-1 || after[0].Sequence != 2 {
		t.Errorf("Expected resume after cursor 1, got %v", after)
	}
}

func TestModuleRunService_StartReturnsAdmissionSnapshot(t *testing.T) {
	f := newFixture(t, Options{})
	ids := []string{"vpc", "eks", "rds", "dns", "apps", "cdn"}
	f.addModules(t, ids...)

	runIDs := make([]string, 0, len(ids))
	for _, id := range ids {
		run := startRun(t, f, id, OperationPlan, false)
		if run.Status != ModuleRunQueued || run.QueuedAt == nil {
			t.Errorf("Expected %s queued at admission, got %s", id, run.Status)
		}
		if run.StartedAt != nil || run.ExitCode != nil {
			t.Errorf("Expected %s snapshot untouched by its driver, got %+v", id, run)
		}
		runIDs = append(runIDs, run.ID)
	}
	for _, id := range runIDs {
		if final, err := f.engine.Runs.Wait(waitCtx(t), id); err != nil || final.Status != ModuleRunSucceeded {
			t.Errorf("Expected run %s to succeed, got %v", id, err)
		}
	}
}

func TestModuleRunService_DescriptorCarriesUpstreamDirs(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	_ = f.repo.CreateModule(ctx, &EnvironmentModule{ID: "vpc", EnvironmentID: "prod", CurrentVersion: "1.0.0", WorkingDir: "stacks/vpc"})
	_ = f.repo.CreateModule(ctx, &EnvironmentModule{ID: "eks", EnvironmentID: "prod", CurrentVersion: "1.0.0"})
	_ = f.repo.CreateDependency(ctx, &ModuleDependency{
		EnvironmentID:  "prod",
		ModuleID:       "eks",
		DependsOnID:    "vpc",
		OutputMappings: []OutputMapping{{UpstreamOutput: "vpc_id", DownstreamVariable: "vpc_id"}},
	})

	run := startRun(t, f, "eks", OperationPlan, false)
	if _, err := f.engine.Runs.Wait(waitCtx(t), run.ID); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	desc, ok := f.executor.descriptor("eks/plan")
	if !ok {
		t.Fatal("Expected eks plan to execute")
	}
	if got := desc.UpstreamDirs["vpc"]; got != "stacks/vpc" {
		t.Errorf("Expected vpc working dir stacks/vpc, got %q", got)
	}
	v, found := findVar(desc.Variables, "vpc_id", CategoryTerraform)
	if !found || v.Output == nil || v.Output.ModuleID != "vpc" {
		t.Errorf("Expected vpc_id fed by the vpc output, got %+v", v)
	}
}

func TestModuleRunService_RecordTerminalRunRejectsNonTerminal(t *testing.T) {
	f := newFixture(t, Options{})
	f.addModules(t, "vpc")

	_, err := f.engine.Runs.RecordTerminalRun(context.Background(), StartRunRequest{
		EnvironmentID: "prod", ModuleID: "vpc", Operation: OperationPlan,
	}, EventQueue, "")
	if !IsValidation(err) {
		t.Errorf("Expected validation error, got: %v", err)
	}
}

func TestModuleRunService_RecoverOrphans(t *testing.T) {
	f := newFixture(t, Options{})
	f.addModules(t, "vpc", "eks")
	ctx := context.Background()

	now := time.Now()
	orphans := []*ModuleRun{
		{ID: "r-running", EnvironmentID: "prod", ModuleID: "vpc", Operation: OperationPlan, Status: ModuleRunRunning, StartedAt: &now},
		{ID: "r-planned", EnvironmentID: "prod", ModuleID: "eks", Operation: OperationApply, Status: ModuleRunPlanned},
	}
	for _, run := range orphans {
		_ = f.repo.CreateModuleRun(ctx, run)
		if err := f.engine.Locks.AcquireModuleLock(ctx, "prod", run.ModuleID, run.ID); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
	}

	recovered, err := f.engine.Runs.RecoverOrphans(ctx)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if recovered != 2 {
		t.Errorf("Expected 2 recovered runs, got %d", recovered)
	}

	running, _ := f.repo.GetModuleRun(ctx, "r-running")
	planned, _ := f.repo.GetModuleRun(ctx, "r-planned")
	if running.Status != ModuleRunFailed {
		t.Errorf("Expected interrupted run to fail, got %s", running.Status)
	}
	if planned.Status != ModuleRunCancelled {
		t.Errorf("Expected planned orphan to be cancelled, got %s", planned.Status)
	}
	for _, id := range []string{"vpc", "eks"} {
		if holder, _ := f.engine.Locks.ModuleLockHolder(ctx, "prod", id); holder != "" {
			t.Errorf("Expected lock on %s released, held by %s", id, holder)
		}
	}

	if _, err := f.engine.Runs.StartModuleRun(ctx, StartRunRequest{
		EnvironmentID: "prod", ModuleID: "vpc", Operation: OperationPlan,
	}); err != nil {
		t.Errorf("Expected a new run after recovery, got: %v", err)
	}
}

func ExampleModuleRunService_StartModuleRun() {
	repo := newMemRepo()
	_ = repo.CreateEnvironment(context.Background(), &Environment{ID: "prod", Name: "prod", Status: EnvironmentActive})
	_ = repo.CreateModule(context.Background(), &EnvironmentModule{ID: "vpc", EnvironmentID: "prod", CurrentVersion: "1.0.0"})

	eng, _ := New(Options{Repository: repo, Executor: newScriptedExecutor()})
	defer eng.Shutdown(context.Background())

	run, _ := eng.Runs.StartModuleRun(context.Background(), StartRunRequest{
		EnvironmentID: "prod",
		ModuleID:      "vpc",
		Operation:     OperationPlan,
	})
	final, _ := eng.Runs.Wait(context.Background(), run.ID)
	fmt.Println(final.Status)
	// Output: succeeded
}
