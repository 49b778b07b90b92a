package lock

import (
	"context"
	"testing"
	"time"
)

func TestAcquireThenAcquireFails(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	id1, ok := r.Acquire(ctx, "svc1", "prod", time.Minute)
	if !ok || id1 == "" {
		t.Fatal("expected first acquire to succeed")
	}

	_, ok = r.Acquire(ctx, "svc1", "prod", time.Minute)
	if ok {
		t.Fatal("expected second concurrent acquire to fail (LockBusy)")
	}

	// A different (service, env) pair is independent.
	_, ok = r.Acquire(ctx, "svc1", "staging", time.Minute)
	if !ok {
		t.Fatal("expected acquire for a different env to succeed")
	}
}

func TestAcquireImmediatelyAfterReleaseSucceeds(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	id1, ok := r.Acquire(ctx, "svc1", "prod", time.Minute)
	if !ok {
		t.Fatal("expected first acquire to succeed")
	}
	if !r.Release(ctx, "svc1", "prod", id1) {
		t.Fatal("expected release to succeed")
	}

	_, ok = r.Acquire(ctx, "svc1", "prod", time.Minute)
	if !ok {
		t.Fatal("expected acquire immediately after release to succeed")
	}
}

func TestReleaseWithWrongLockIDFails(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	id1, ok := r.Acquire(ctx, "svc1", "prod", time.Minute)
	if !ok {
		t.Fatal("expected acquire to succeed")
	}

	if r.Release(ctx, "svc1", "prod", "not-the-real-id") {
		t.Fatal("expected release with mismatched lock_id to fail")
	}

	// Original lock is still held.
	if _, ok := r.Info(ctx, "svc1", "prod"); !ok {
		t.Fatal("expected lock to still be held")
	}
	_ = id1
}

func TestExpiredLockCanBeReacquired(t *testing.T) {
	r := NewRegistry()
	fake := time.Now()
	r.now = func() time.Time { return fake }
	ctx := context.Background()

	_, ok := r.Acquire(ctx, "svc1", "prod", time.Second)
	if !ok {
		t.Fatal("expected first acquire to succeed")
	}

	fake = fake.Add(2 * time.Second)

	id2, ok := r.Acquire(ctx, "svc1", "prod", time.Minute)
	if !ok || id2 == "" {
		t.Fatal("expected acquire after expiry to succeed")
	}
}

func TestInfoReportsHolder(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	if _, ok := r.Info(ctx, "svc1", "prod"); ok {
		t.Fatal("expected no info before any lock is held")
	}

	id, _ := r.Acquire(ctx, "svc1", "prod", time.Minute)
	info, ok := r.Info(ctx, "svc1", "prod")
	if !ok || info.LockID != id {
		t.Fatalf("expected info to report lock_id %q, got %+v", id, info)
	}
}
