package jobs

import (
	"context"
	"sync"
	"time"
)

// Locker provides mutual exclusion for a job across cooperating scheduler
// instances. The executor calls TryLock once per attempt and releases the
// returned Lease before the attempt returns, so a lock is never held across
// a retry delay.
//
// A Locker reports a lock held by someone else with ErrLockNotAcquired.
// Implementations must be safe for concurrent use.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Lease is an acquired lock.
type Lease interface {
	Release(ctx context.Context) error
}

// LockerFunc adapts a function to the Locker interface.
type LockerFunc func(ctx context.Context, key string, ttl time.Duration) (Lease, error)

// TryLock calls f.
func (f LockerFunc) TryLock(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	return f(ctx, key, ttl)
}

// ReleaseFunc adapts a function to the Lease interface.
type ReleaseFunc func(ctx context.Context) error

// Release calls f.
func (f ReleaseFunc) Release(ctx context.Context) error { return f(ctx) }

// NoopLocker always succeeds. It is the default and keeps single-instance
// semantics: overlap is governed by the waiting policy alone.
type NoopLocker struct{}

// TryLock implements Locker.
func (NoopLocker) TryLock(context.Context, string, time.Duration) (Lease, error) {
	return noopLease{}, nil
}

type noopLease struct{}

func (noopLease) Release(context.Context) error { return nil }

// MemoryLocker is a Locker for schedulers sharing one process. Locks expire
// after their TTL; a zero TTL holds the lock until it is released.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]*memoryLease
	now   func() time.Time
}

// NewMemoryLocker returns an empty MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		locks: make(map[string]*memoryLease),
		now:   time.Now,
	}
}

// TryLock implements Locker.
func (m *MemoryLocker) TryLock(_ context.Context, key string, ttl time.Duration) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if held, ok := m.locks[key]; ok && (held.expires.IsZero() || now.Before(held.expires)) {
		return nil, ErrLockNotAcquired
	}

	lease := &memoryLease{owner: m, key: key}
	if ttl > 0 {
		lease.expires = now.Add(ttl)
	}
	m.locks[key] = lease
	return lease, nil
}

// Held reports whether key is currently locked.
func (m *MemoryLocker) Held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	held, ok := m.locks[key]
	return ok && (held.expires.IsZero() || m.now().Before(held.expires))
}

type memoryLease struct {
	owner   *MemoryLocker
	key     string
	expires time.Time
}

// Release drops the lock unless it already expired and was taken over.
func (l *memoryLease) Release(context.Context) error {
	l.owner.mu.Lock()
	defer l.owner.mu.Unlock()
	if l.owner.locks[l.key] == l {
		delete(l.owner.locks, l.key)
	}
	return nil
}
