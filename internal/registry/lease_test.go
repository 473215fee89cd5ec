package registry

import (
	"context"
	"testing"

	"github.com/fishmmo/zonegrid/internal/metadata"
)

func TestLeaseManager_AcquireAndRenew(t *testing.T) {
	ctx := context.Background()
	meta := metadata.NewMockStore()
	clock := newMockClock()
	lm := NewLeaseManager(meta, "proc-1", clock)

	result, err := lm.Acquire(ctx, "reaper")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if !result.Acquired {
		t.Fatal("expected to acquire free lease")
	}
	if result.Lease.Epoch != 1 || result.Lease.HolderID != "proc-1" {
		t.Errorf("unexpected lease: %+v", result.Lease)
	}
	if !lm.Holds("reaper") {
		t.Error("Holds should report true after acquisition")
	}

	clock.Advance(1000)
	result, err = lm.Acquire(ctx, "reaper")
	if err != nil {
		t.Fatalf("renew failed: %v", err)
	}
	if !result.Acquired {
		t.Fatal("renewal should keep the lease")
	}
}

func TestLeaseManager_HeldByOther(t *testing.T) {
	ctx := context.Background()
	meta := metadata.NewMockStore()
	a := NewLeaseManager(meta, "a", nil)
	b := NewLeaseManager(meta, "b", nil)

	if _, err := a.Acquire(ctx, "reaper"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	result, err := b.Acquire(ctx, "reaper")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if result.Acquired {
		t.Fatal("b must not acquire a lease held by a")
	}
	if result.Lease.HolderID != "a" {
		t.Errorf("expected holder a, got %s", result.Lease.HolderID)
	}
	if b.Holds("reaper") {
		t.Error("b should not hold the lease")
	}

	// Release by a non-holder is a no-op.
	if err := b.Release(ctx, "reaper"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	lease, _ := a.Get(ctx, "reaper")
	if lease == nil || lease.HolderID != "a" {
		t.Fatalf("lease should still belong to a: %+v", lease)
	}

	if err := a.Release(ctx, "reaper"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	result, err = b.Acquire(ctx, "reaper")
	if err != nil || !result.Acquired {
		t.Fatalf("b should acquire after release: %+v, %v", result, err)
	}
}

func TestLeaseManager_SessionExpiry(t *testing.T) {
	ctx := context.Background()
	meta := metadata.NewMockStore()
	a := NewLeaseManager(meta, "a", nil)
	b := NewLeaseManager(meta, "b", nil)

	if _, err := a.Acquire(ctx, "reaper"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	meta.ExpireEphemeral()

	result, err := b.Acquire(ctx, "reaper")
	if err != nil || !result.Acquired {
		t.Fatalf("b should acquire after expiry: %+v, %v", result, err)
	}

	// a's renewal now sees b's lease.
	result, err = a.Acquire(ctx, "reaper")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if result.Acquired {
		t.Fatal("a must not reclaim b's lease")
	}
	if a.Holds("reaper") {
		t.Error("a should have forgotten the lease")
	}
}
