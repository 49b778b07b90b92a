// Package lock implements the advisory, process-local deploy lock that
// serializes concurrent deploys per (service, env) — C2 in the design.
// It is deliberately a single in-memory map guarded by one mutex: the
// control plane assumes a single writer (spec.md §1 Non-goals). The
// Locker interface exists so a distributed backing store could later
// implement the same acquire/release(lock_id) fencing contract without
// changing any caller.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Locker is the fencing-token lock contract used by the deploy
// orchestrator. acquire/release semantics are defined in spec.md §4.2.
type Locker interface {
	Acquire(ctx context.Context, serviceID, env string, ttl time.Duration) (lockID string, ok bool)
	Release(ctx context.Context, serviceID, env, lockID string) bool
	Info(ctx context.Context, serviceID, env string) (Info, bool)
}

// Info describes the current holder of a lock, for diagnostics.
type Info struct {
	LockID    string
	ExpiresAt time.Time
}

type entry struct {
	lockID    string
	expiresAt time.Time
}

// Registry is the in-memory Locker implementation.
type Registry struct {
	mu      sync.Mutex
	entries map[string]entry

	// now is overridable in tests.
	now func() time.Time
}

// NewRegistry creates an empty lock Registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

func key(serviceID, env string) string {
	return serviceID + ":" + env
}

// Acquire returns a fresh lock_id if the (serviceID, env) pair is unlocked
// or its existing lock has expired; otherwise ok is false.
func (r *Registry) Acquire(_ context.Context, serviceID, env string, ttl time.Duration) (string, bool) {
	k := key(serviceID, env)
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, found := r.entries[k]; found && existing.expiresAt.After(now) {
		return "", false
	}

	lockID := uuid.NewString()
	r.entries[k] = entry{lockID: lockID, expiresAt: now.Add(ttl)}
	return lockID, true
}

// Release removes the lock iff lockID matches the current holder. Stale
// locks need no explicit release: they expire passively via expires_at.
func (r *Registry) Release(_ context.Context, serviceID, env, lockID string) bool {
	k := key(serviceID, env)

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, found := r.entries[k]
	if !found || existing.lockID != lockID {
		return false
	}
	delete(r.entries, k)
	return true
}

// Info reports the current holder and expiry for diagnostics.
func (r *Registry) Info(_ context.Context, serviceID, env string) (Info, bool) {
	k := key(serviceID, env)

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, found := r.entries[k]
	if !found || !existing.expiresAt.After(r.now()) {
		return Info{}, false
	}
	return Info{LockID: existing.lockID, ExpiresAt: existing.expiresAt}, true
}
