package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/fishmmo/zonegrid/internal/metadata"
	"github.com/fishmmo/zonegrid/internal/metadata/keys"
)

// Lease-related errors.
var (
	// ErrLeaseNotHeld is returned when an operation requires holding a
	// lease that the caller does not hold.
	ErrLeaseNotHeld = errors.New("registry: lease not held")

	// ErrLeaseDisappeared is returned when a lease vanished while a
	// conflicting acquisition was being resolved. Callers retry later.
	ErrLeaseDisappeared = errors.New("registry: lease disappeared during conflict resolution")
)

// Lease is a named singleton lease stored as an ephemeral key at
// /zonegrid/v1/leases/<name>. It is released automatically when the
// holder's registry session ends.
type Lease struct {
	Name            string `json:"name"`
	HolderID        string `json:"holderId"`
	Epoch           int64  `json:"epoch"`
	AcquiredAtMs    int64  `json:"acquiredAtMs"`
	LastRenewedAtMs int64  `json:"lastRenewedAtMs"`
}

// AcquireResult represents the result of attempting to acquire a lease.
type AcquireResult struct {
	// Acquired is true if this holder now owns the lease.
	Acquired bool

	// Lease is ours when Acquired, otherwise the current holder's.
	Lease *Lease
}

// LeaseManager acquires and renews named leases on behalf of one process.
type LeaseManager struct {
	meta     metadata.MetadataStore
	holderID string
	clock    Clock

	mu   sync.Mutex
	held map[string]*Lease
}

// NewLeaseManager creates a lease manager for holderID.
func NewLeaseManager(meta metadata.MetadataStore, holderID string, clock Clock) *LeaseManager {
	if clock == nil {
		clock = realClock{}
	}
	return &LeaseManager{
		meta:     meta,
		holderID: holderID,
		clock:    clock,
		held:     make(map[string]*Lease),
	}
}

// HolderID returns the identity this manager acquires leases as.
func (lm *LeaseManager) HolderID() string {
	return lm.holderID
}

// Acquire takes the named lease or renews it if already held.
// New acquisitions use expect-not-exists; renewals use the current version,
// so a takeover between read and write is detected.
func (lm *LeaseManager) Acquire(ctx context.Context, name string) (*AcquireResult, error) {
	key := keys.LeaseKeyPath(name)
	now := lm.clock.Now().UnixMilli()

	result, err := lm.meta.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("registry: get lease: %w", err)
	}

	if result.Exists {
		var existing Lease
		if err := json.Unmarshal(result.Value, &existing); err != nil {
			return nil, fmt.Errorf("registry: unmarshal lease: %w", err)
		}
		if existing.HolderID != lm.holderID {
			lm.forget(name)
			return &AcquireResult{Acquired: false, Lease: &existing}, nil
		}

		existing.LastRenewedAtMs = now
		data, err := json.Marshal(existing)
		if err != nil {
			return nil, fmt.Errorf("registry: marshal lease: %w", err)
		}
		if _, err := lm.meta.PutEphemeral(ctx, key, data,
			metadata.WithEphemeralExpectedVersion(result.Version)); err != nil {
			if errors.Is(err, metadata.ErrVersionMismatch) {
				return lm.handleConflict(ctx, name, key)
			}
			return nil, fmt.Errorf("registry: renew lease: %w", err)
		}
		lm.remember(name, &existing)
		return &AcquireResult{Acquired: true, Lease: &existing}, nil
	}

	lease := Lease{
		Name:            name,
		HolderID:        lm.holderID,
		Epoch:           1,
		AcquiredAtMs:    now,
		LastRenewedAtMs: now,
	}
	data, err := json.Marshal(lease)
	if err != nil {
		return nil, fmt.Errorf("registry: marshal lease: %w", err)
	}
	if _, err := lm.meta.PutEphemeral(ctx, key, data,
		metadata.WithEphemeralExpectNotExists()); err != nil {
		if errors.Is(err, metadata.ErrVersionMismatch) || errors.Is(err, metadata.ErrTxnConflict) {
			return lm.handleConflict(ctx, name, key)
		}
		return nil, fmt.Errorf("registry: acquire lease: %w", err)
	}
	lm.remember(name, &lease)
	return &AcquireResult{Acquired: true, Lease: &lease}, nil
}

func (lm *LeaseManager) handleConflict(ctx context.Context, name, key string) (*AcquireResult, error) {
	lm.forget(name)
	result, err := lm.meta.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("registry: get lease after conflict: %w", err)
	}
	if !result.Exists {
		return nil, ErrLeaseDisappeared
	}
	var existing Lease
	if err := json.Unmarshal(result.Value, &existing); err != nil {
		return nil, fmt.Errorf("registry: unmarshal lease after conflict: %w", err)
	}
	return &AcquireResult{Acquired: false, Lease: &existing}, nil
}

// Release deletes the named lease if this manager holds it.
func (lm *LeaseManager) Release(ctx context.Context, name string) error {
	defer lm.forget(name)

	key := keys.LeaseKeyPath(name)
	result, err := lm.meta.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("registry: get lease for release: %w", err)
	}
	if !result.Exists {
		return nil
	}
	var lease Lease
	if err := json.Unmarshal(result.Value, &lease); err != nil {
		return fmt.Errorf("registry: unmarshal lease for release: %w", err)
	}
	if lease.HolderID != lm.holderID {
		return nil
	}
	if err := lm.meta.Delete(ctx, key, metadata.WithDeleteExpectedVersion(result.Version)); err != nil {
		if errors.Is(err, metadata.ErrVersionMismatch) {
			return nil
		}
		return fmt.Errorf("registry: delete lease: %w", err)
	}
	return nil
}

// Get returns the current holder of the named lease, or nil if free.
func (lm *LeaseManager) Get(ctx context.Context, name string) (*Lease, error) {
	var lease Lease
	_, ok, err := getJSON(ctx, lm.meta, keys.LeaseKeyPath(name), &lease)
	if err != nil || !ok {
		return nil, err
	}
	return &lease, nil
}

// Holds is a local check against the last acquisition result.
func (lm *LeaseManager) Holds(name string) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	_, ok := lm.held[name]
	return ok
}

func (lm *LeaseManager) remember(name string, l *Lease) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.held[name] = l
}

func (lm *LeaseManager) forget(name string) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	delete(lm.held, name)
}
