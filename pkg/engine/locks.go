package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/envrun/pkg/locks"
	"github.com/openfroyo/envrun/pkg/telemetry"
)

// DefaultModuleLockTTL bounds how long a module lock survives a crashed
// holder on backends that support expiry.
const DefaultModuleLockTTL = 6 * time.Hour

// LockManager owns environment locks and module execution locks.
type LockManager struct {
	repo    Repository
	locker  ModuleLocker
	ttl     time.Duration
	events  EventPublisher
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	now     func() time.Time

	// envMu serializes lock and unlock per environment
	envMu sync.Map
}

// NewLockManager creates a lock manager. A nil locker means in-process locks.
func NewLockManager(repo Repository, locker ModuleLocker, ttl time.Duration, tel *telemetry.Telemetry) *LockManager {
	if locker == nil {
		locker = locks.NewMemoryLocker()
	}
	if ttl <= 0 {
		ttl = DefaultModuleLockTTL
	}
	if tel == nil {
		tel = telemetry.Noop()
	}
	return &LockManager{
		repo:    repo,
		locker:  locker,
		ttl:     ttl,
		events:  tel.Events,
		logger:  tel.Logger.NewComponentLogger("locks"),
		metrics: tel.Metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func moduleLockKey(environmentID, moduleID string) string {
	return environmentID + "/" + moduleID
}

func (m *LockManager) envMutex(environmentID string) *sync.Mutex {
	mu, _ := m.envMu.LoadOrStore(environmentID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// CheckAdmission returns an EnvironmentLockedError for a locked environment
// and a validation error for one that is not active.
func (m *LockManager) CheckAdmission(env *Environment) error {
	if env.Locked {
		m.metrics.RecordLockContention("environment")
		return &EnvironmentLockedError{
			EnvironmentID: env.ID,
			LockedBy:      env.LockedBy,
			Reason:        env.LockReason,
		}
	}
	if env.Status != "" && env.Status != EnvironmentActive {
		return NewPermanentError(fmt.Sprintf("environment is %s", env.Status), nil).
			WithCode(ErrCodeValidation).
			WithResource(env.ID)
	}
	return nil
}

// LockEnvironment sets the environment lock. Locking an environment that is
// already locked returns an EnvironmentLockedError naming the holder.
func (m *LockManager) LockEnvironment(ctx context.Context, environmentID string, actor Actor, reason string) (*Environment, error) {
	mu := m.envMutex(environmentID)
	mu.Lock()
	defer mu.Unlock()

	env, err := m.repo.GetEnvironment(ctx, environmentID)
	if err != nil {
		return nil, err
	}
	if env.Locked {
		return nil, &EnvironmentLockedError{EnvironmentID: env.ID, LockedBy: env.LockedBy, Reason: env.LockReason}
	}

	now := m.now()
	env.Locked = true
	env.LockedBy = actor.UserID
	env.LockReason = reason
	env.LockedAt = &now
	if err := m.repo.UpdateEnvironment(ctx, env); err != nil {
		return nil, fmt.Errorf("failed to lock environment: %w", err)
	}

	m.audit(ctx, AuditEnvironmentLocked, actor, "environment", env.ID, map[string]interface{}{"reason": reason})
	_ = m.events.Publish(telemetry.Event{
		Type:          telemetry.EventTypeEnvironmentLocked,
		Source:        "locks",
		EnvironmentID: env.ID,
		Message:       reason,
		Data:          map[string]interface{}{"locked_by": actor.UserID},
	})
	m.logger.WithEnvironment(env.ID).WithField("locked_by", actor.UserID).Info("environment locked")

	return env, nil
}

// UnlockEnvironment clears the environment lock. Unlocking an unlocked
// environment is a no-op.
func (m *LockManager) UnlockEnvironment(ctx context.Context, environmentID string, actor Actor) (*Environment, error) {
	mu := m.envMutex(environmentID)
	mu.Lock()
	defer mu.Unlock()

	env, err := m.repo.GetEnvironment(ctx, environmentID)
	if err != nil {
		return nil, err
	}
	if !env.Locked {
		return env, nil
	}

	previous := env.LockedBy
	env.Locked = false
	env.LockedBy = ""
	env.LockReason = ""
	env.LockedAt = nil
	if err := m.repo.UpdateEnvironment(ctx, env); err != nil {
		return nil, fmt.Errorf("failed to unlock environment: %w", err)
	}

	m.audit(ctx, AuditEnvironmentUnlocked, actor, "environment", env.ID, map[string]interface{}{"previous_holder": previous})
	_ = m.events.Publish(telemetry.Event{
		Type:          telemetry.EventTypeEnvironmentUnlocked,
		Source:        "locks",
		EnvironmentID: env.ID,
	})
	m.logger.WithEnvironment(env.ID).WithField("unlocked_by", actor.UserID).Info("environment unlocked")

	return env, nil
}

// AcquireModuleLock takes the execution lock of a module for runID.
func (m *LockManager) AcquireModuleLock(ctx context.Context, environmentID, moduleID, runID string) error {
	held, holder, err := m.locker.Acquire(ctx, moduleLockKey(environmentID, moduleID), runID, m.ttl)
	if err != nil {
		return NewTransientError("module lock backend unavailable", err).WithResource(moduleID)
	}
	if !held {
		m.metrics.RecordLockContention("module")
		return &ModuleLockedError{ModuleID: moduleID, HeldBy: holder}
	}
	return nil
}

// KeepModuleLock renews the module lock of runID every third of the TTL
// until ctx is done or the lock is lost.
func (m *LockManager) KeepModuleLock(ctx context.Context, environmentID, moduleID, runID string) {
	key := moduleLockKey(environmentID, moduleID)
	logger := m.logger.WithModuleRun(runID, moduleID).WithEnvironment(environmentID)

	ticker := time.NewTicker(m.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		held, err := m.locker.Refresh(ctx, key, runID, m.ttl)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.WithError(err).Warn("failed to renew module lock")
			continue
		}
		if !held {
			logger.Warn("module lock lost before run finished")
			return
		}
	}
}

// ReleaseModuleLock drops the lock if runID still holds it.
func (m *LockManager) ReleaseModuleLock(ctx context.Context, environmentID, moduleID, runID string) error {
	return m.locker.Release(ctx, moduleLockKey(environmentID, moduleID), runID)
}

// ModuleLockHolder returns the run holding the module lock, or "".
func (m *LockManager) ModuleLockHolder(ctx context.Context, environmentID, moduleID string) (string, error) {
	return m.locker.Holder(ctx, moduleLockKey(environmentID, moduleID))
}

// ForceUnlock clears a module lock without waiting for its run. The action
// is always audited and logged at warn level. It returns the previous holder.
func (m *LockManager) ForceUnlock(ctx context.Context, environmentID, moduleID string, actor Actor, reason string) (string, error) {
	if _, err := m.repo.GetModule(ctx, environmentID, moduleID); err != nil {
		return "", err
	}

	holder, err := m.locker.ForceRelease(ctx, moduleLockKey(environmentID, moduleID))
	if err != nil {
		return "", NewTransientError("module lock backend unavailable", err).WithResource(moduleID)
	}

	m.metrics.RecordForceUnlock()
	m.audit(ctx, AuditModuleForceUnlocked, actor, "module", moduleID, map[string]interface{}{
		"environment_id":  environmentID,
		"previous_holder": holder,
		"reason":          reason,
	})
	_ = m.events.Publish(telemetry.Event{
		Type:          telemetry.EventTypeModuleForceUnlocked,
		Source:        "locks",
		EnvironmentID: environmentID,
		ModuleID:      moduleID,
		ModuleRunID:   holder,
		Level:         telemetry.EventLevelWarning,
		Message:       reason,
	})
	m.logger.WithEnvironment(environmentID).WithFields(map[string]interface{}{
		"module_id":       moduleID,
		"previous_holder": holder,
		"actor":           actor.UserID,
		"reason":          reason,
	}).Warn("module lock force-unlocked")

	return holder, nil
}

func (m *LockManager) audit(ctx context.Context, action string, actor Actor, targetType, targetID string, details map[string]interface{}) {
	entry := &AuditEntry{
		ID:         uuid.New().String(),
		Action:     action,
		Actor:      actor.UserID,
		TargetType: targetType,
		TargetID:   targetID,
		Details:    details,
		CreatedAt:  m.now(),
	}
	if err := m.repo.CreateAuditEntry(ctx, entry); err != nil {
		m.logger.WithError(err).WithField("action", action).Error("failed to write audit entry")
	}
}
