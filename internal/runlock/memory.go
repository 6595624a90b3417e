package runlock

import (
	"context"
	"sync"
	"time"
)

// MemoryLocker is an in-process Locker with the same semantics as the
// Postgres implementation. Used by tests and single-node tooling.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]memoryLock
	// Now is swappable so tests can expire leases without sleeping.
	Now func() time.Time
}

type memoryLock struct {
	owner     string
	expiresAt time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		locks: make(map[string]memoryLock),
		Now:   time.Now,
	}
}

func (l *MemoryLocker) Acquire(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.Now()
	if cur, ok := l.locks[key]; ok && cur.expiresAt.After(now) && cur.owner != owner {
		return false, nil
	}
	l.locks[key] = memoryLock{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

func (l *MemoryLocker) Release(_ context.Context, key, owner string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.locks[key]
	if !ok || cur.owner != owner {
		return false, nil
	}
	delete(l.locks, key)
	return true, nil
}
