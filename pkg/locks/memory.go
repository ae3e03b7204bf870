package locks

import (
	"context"
	"sync"
	"time"
)

// MemoryLocker keeps module locks in process memory. TTLs are ignored: a
// lock lives until its run releases it or it is force-released.
type MemoryLocker struct {
	mu      sync.Mutex
	holders map[string]string
}

// NewMemoryLocker creates an empty in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{holders: make(map[string]string)}
}

// Acquire takes the lock for runID unless another run holds it.
// Re-acquiring a lock already held by runID succeeds.
func (l *MemoryLocker) Acquire(_ context.Context, key, runID string, _ time.Duration) (bool, string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if holder, ok := l.holders[key]; ok && holder != runID {
		return false, holder, nil
	}
	l.holders[key] = runID
	return true, runID, nil
}

// Refresh reports whether runID still holds the lock. There is no expiry
// to extend.
func (l *MemoryLocker) Refresh(_ context.Context, key, runID string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.holders[key] == runID, nil
}

// Release drops the lock if runID still owns it.
func (l *MemoryLocker) Release(_ context.Context, key, runID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.holders[key] == runID {
		delete(l.holders, key)
	}
	return nil
}

// ForceRelease drops the lock regardless of owner.
func (l *MemoryLocker) ForceRelease(_ context.Context, key string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	holder := l.holders[key]
	delete(l.holders, key)
	return holder, nil
}

// Holder returns the current holder, or "".
func (l *MemoryLocker) Holder(_ context.Context, key string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.holders[key], nil
}
