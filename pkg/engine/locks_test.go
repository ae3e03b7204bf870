package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/openfroyo/envrun/pkg/telemetry"
)

func TestLockManager_LockUnlock(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	ops := Actor{UserID: "ops"}

	env, err := f.engine.Locks.LockEnvironment(ctx, "prod", ops, "change freeze")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !env.Locked || env.LockedBy != "ops" || env.LockReason != "change freeze" || env.LockedAt == nil {
		t.Errorf("Expected lock fields set, got %+v", env)
	}

	_, err = f.engine.Locks.LockEnvironment(ctx, "prod", Actor{UserID: "dev"}, "again")
	var lockedErr *EnvironmentLockedError
	if !errors.As(err, &lockedErr) || lockedErr.LockedBy != "ops" {
		t.Errorf("Expected EnvironmentLockedError naming ops, got: %v", err)
	}

	env, err = f.engine.Locks.UnlockEnvironment(ctx, "prod", ops)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if env.Locked || env.LockedBy != "" || env.LockedAt != nil {
		t.Errorf("Expected lock cleared, got %+v", env)
	}

	if _, err := f.engine.Locks.UnlockEnvironment(ctx, "prod", ops); err != nil {
		t.Errorf("Expected unlocking an unlocked environment to be a no-op, got: %v", err)
	}

	actions := f.repo.auditActions()
	if len(actions) != 2 || actions[0] != AuditEnvironmentLocked || actions[1] != AuditEnvironmentUnlocked {
		t.Errorf("Expected lock and unlock audit entries, got %v", actions)
	}
}

func TestLockManager_CheckAdmission(t *testing.T) {
	locks := NewLockManager(newMemRepo(), nil, 0, nil)

	if err := locks.CheckAdmission(&Environment{ID: "prod", Status: EnvironmentActive}); err != nil {
		t.Errorf("Expected active environment to admit runs, got: %v", err)
	}

	err := locks.CheckAdmission(&Environment{ID: "prod", Status: EnvironmentActive, Locked: true, LockedBy: "ops"})
	if ErrorCode(err) != ErrCodeEnvironmentLocked {
		t.Errorf("Expected %s, got: %v", ErrCodeEnvironmentLocked, err)
	}

	err = locks.CheckAdmission(&Environment{ID: "prod", Status: EnvironmentArchived})
	if !IsValidation(err) {
		t.Errorf("Expected validation error for archived environment, got: %v", err)
	}
}

func TestLockManager_ModuleLock(t *testing.T) {
	locks := NewLockManager(newMemRepo(), nil, 0, nil)
	ctx := context.Background()

	if err := locks.AcquireModuleLock(ctx, "prod", "vpc", "run-1"); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	err := locks.AcquireModuleLock(ctx, "prod", "vpc", "run-2")
	var lockedErr *ModuleLockedError
	if !errors.As(err, &lockedErr) || lockedErr.HeldBy != "run-1" {
		t.Fatalf("Expected ModuleLockedError held by run-1, got: %v", err)
	}

	if err := locks.AcquireModuleLock(ctx, "staging", "vpc", "run-2"); err != nil {
		t.Errorf("Expected same module id in another environment to lock independently, got: %v", err)
	}

	// Release by a non-holder does nothing.
	_ = locks.ReleaseModuleLock(ctx, "prod", "vpc", "run-2")
	if holder, _ := locks.ModuleLockHolder(ctx, "prod", "vpc"); holder != "run-1" {
		t.Errorf("Expected run-1 to keep the lock, got %q", holder)
	}

	_ = locks.ReleaseModuleLock(ctx, "prod", "vpc", "run-1")
	if err := locks.AcquireModuleLock(ctx, "prod", "vpc", "run-2"); err != nil {
		t.Errorf("Expected lock to be free after release, got: %v", err)
	}
}

func TestLockManager_ForceUnlock(t *testing.T) {
	tel := telemetry.Noop()
	tel.Events = telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true, SubscriberBuffer: 8})
	_, events := tel.Events.SubscribeChannel(telemetry.FilterByType(telemetry.EventTypeModuleForceUnlocked))

	f := newFixture(t, Options{Telemetry: tel})
	f.addModules(t, "vpc")
	ctx := context.Background()

	if err := f.engine.Locks.AcquireModuleLock(ctx, "prod", "vpc", "dead-run"); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	holder, err := f.engine.Locks.ForceUnlock(ctx, "prod", "vpc", Actor{UserID: "admin"}, "runner crashed")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if holder != "dead-run" {
		t.Errorf("Expected previous holder dead-run, got %q", holder)
	}
	if current, _ := f.engine.Locks.ModuleLockHolder(ctx, "prod", "vpc"); current != "" {
		t.Errorf("Expected lock cleared, held by %q", current)
	}

	f.repo.mu.Lock()
	audit := append([]AuditEntry{}, f.repo.audit...)
	f.repo.mu.Unlock()
	if len(audit) != 1 || audit[0].Action != AuditModuleForceUnlocked || audit[0].Actor != "admin" {
		t.Fatalf("Expected one force-unlock audit entry, got %+v", audit)
	}
	if audit[0].Details["previous_holder"] != "dead-run" {
		t.Errorf("Expected previous holder in audit details, got %v", audit[0].Details)
	}

	select {
	case event := <-events:
		if event.ModuleRunID != "dead-run" || event.Level != telemetry.EventLevelWarning {
			t.Errorf("Expected warning event for dead-run, got %+v", event)
		}
	default:
		t.Error("Expected a force-unlock event")
	}

	if _, err := f.engine.Locks.ForceUnlock(ctx, "prod", "missing", Actor{UserID: "admin"}, ""); !IsNotFound(err) {
		t.Errorf("Expected not found for unknown module, got: %v", err)
	}
}
