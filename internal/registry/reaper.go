package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fishmmo/zonegrid/internal/logging"
	"github.com/fishmmo/zonegrid/internal/metadata"
	"github.com/fishmmo/zonegrid/internal/metadata/keys"
)

// ReaperConfig configures liveness eviction.
type ReaperConfig struct {
	// Interval between sweeps.
	Interval time.Duration

	// PulseInterval is the heartbeat cadence servers are expected to keep.
	PulseInterval time.Duration

	// MissedPulses is how many intervals may pass without a pulse before a
	// server is treated as crashed.
	MissedPulses int

	// Metrics is optional.
	Metrics ReapRecorder
}

// ReapRecorder receives the outcome of each sweep that held the lease.
type ReapRecorder interface {
	RecordReap(serversEvicted, instancesRemoved, claimsFailed int, success bool)
}

// DefaultReaperConfig returns the default reaper settings.
func DefaultReaperConfig() ReaperConfig {
	return ReaperConfig{
		Interval:      10 * time.Second,
		PulseInterval: 5 * time.Second,
		MissedPulses:  3,
	}
}

// StaleAfter is the pulse age beyond which a server is evicted.
func (c ReaperConfig) StaleAfter() time.Duration {
	return time.Duration(c.MissedPulses) * c.PulseInterval
}

// ReapResult summarises one sweep.
type ReapResult struct {
	// LeaseHeld is false when another process is the active reaper.
	LeaseHeld        bool
	ServersChecked   int
	ServersEvicted   int
	InstancesRemoved int
	ClaimsFailed     int
}

// Reaper evicts servers that stopped pulsing, together with the instances
// they owned and the requests they had claimed. Any number of processes may
// run a Reaper; the ephemeral lease ensures only one sweeps at a time.
type Reaper struct {
	reg    *Registry
	leases *LeaseManager
	cfg    ReaperConfig

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewReaper creates a reaper that competes for the lease as holderID.
func NewReaper(reg *Registry, holderID string, cfg ReaperConfig) *Reaper {
	def := DefaultReaperConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.PulseInterval <= 0 {
		cfg.PulseInterval = def.PulseInterval
	}
	if cfg.MissedPulses <= 0 {
		cfg.MissedPulses = def.MissedPulses
	}
	return &Reaper{
		reg:    reg,
		leases: NewLeaseManager(reg.meta, holderID, reg.clock),
		cfg:    cfg,
	}
}

// Start runs sweeps in the background until Stop is called.
func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	r.mu.Unlock()

	go r.run(ctx)
}

// Running reports whether the background loops are active.
func (r *Reaper) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Stop stops the background loop and releases the lease.
func (r *Reaper) Stop(ctx context.Context) {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	close(r.stopCh)
	r.mu.Unlock()

	<-r.doneCh

	r.mu.Lock()
	r.running = false
	r.mu.Unlock()

	if err := r.leases.Release(ctx, keys.ReaperLease); err != nil {
		r.reg.logger.Warnf("reaper lease release failed", map[string]any{
			"error": err.Error(),
		})
	}
}

func (r *Reaper) run(ctx context.Context) {
	defer close(r.doneCh)

	logger := logging.FromCtx(ctx)
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := r.Sweep(ctx)
			if r.cfg.Metrics != nil && (err != nil || result.LeaseHeld) {
				var evicted, removed, failed int
				if result != nil {
					evicted, removed, failed = result.ServersEvicted, result.InstancesRemoved, result.ClaimsFailed
				}
				r.cfg.Metrics.RecordReap(evicted, removed, failed, err == nil)
			}
			if err != nil {
				logger.Warnf("reaper sweep error", map[string]any{
					"error": err.Error(),
				})
			} else if result.ServersEvicted > 0 || result.InstancesRemoved > 0 {
				logger.Infof("reaper sweep completed", map[string]any{
					"serversChecked":   result.ServersChecked,
					"serversEvicted":   result.ServersEvicted,
					"instancesRemoved": result.InstancesRemoved,
					"claimsFailed":     result.ClaimsFailed,
				})
			}
		}
	}
}

// Sweep runs one eviction pass if this process holds (or can take) the
// reaper lease.
func (r *Reaper) Sweep(ctx context.Context) (*ReapResult, error) {
	result := &ReapResult{}

	acq, err := r.leases.Acquire(ctx, keys.ReaperLease)
	if err != nil {
		if errors.Is(err, ErrLeaseDisappeared) {
			return result, nil
		}
		return nil, err
	}
	if !acq.Acquired {
		return result, nil
	}
	result.LeaseHeld = true

	kvs, err := r.reg.meta.List(ctx, keys.ServersListPrefix(), "", 0)
	if err != nil {
		return nil, fmt.Errorf("registry: reaper list servers: %w", err)
	}

	nowMs := r.reg.nowMs()
	staleMs := r.cfg.StaleAfter().Milliseconds()
	live := make(map[string]struct{}, len(kvs))

	for _, kv := range kvs {
		var rec ServerRecord
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			continue
		}
		result.ServersChecked++

		if nowMs-rec.LastPulseMs <= staleMs {
			live[rec.ID] = struct{}{}
			continue
		}

		// Version-guarded so a pulse racing with eviction wins.
		err := r.reg.meta.Delete(ctx, kv.Key, metadata.WithDeleteExpectedVersion(kv.Version))
		if errors.Is(err, metadata.ErrVersionMismatch) {
			live[rec.ID] = struct{}{}
			continue
		}
		if err != nil {
			return result, fmt.Errorf("registry: evict server %s: %w", rec.ID, err)
		}
		result.ServersEvicted++
		r.reg.logger.Warnf("evicted stale server", map[string]any{
			"serverId":    rec.ID,
			"kind":        string(rec.Kind),
			"name":        rec.Name,
			"lastPulseMs": rec.LastPulseMs,
			"ageMs":       nowMs - rec.LastPulseMs,
		})
	}

	removed, failed, err := r.cleanupOrphans(ctx, live)
	result.InstancesRemoved += removed
	result.ClaimsFailed += failed
	return result, err
}

// cleanupOrphans removes instances and fails claims whose owner is not
// live. Owners missing from the sweep's server snapshot are looked up again,
// since a server may have registered after the snapshot was taken.
func (r *Reaper) cleanupOrphans(ctx context.Context, live map[string]struct{}) (int, int, error) {
	gone := make(map[string]struct{})
	isLive := func(serverID string) (bool, error) {
		if _, ok := live[serverID]; ok {
			return true, nil
		}
		if _, ok := gone[serverID]; ok {
			return false, nil
		}
		_, err := r.reg.GetServer(ctx, serverID)
		switch {
		case err == nil:
			live[serverID] = struct{}{}
			return true, nil
		case errors.Is(err, ErrServerNotFound):
			gone[serverID] = struct{}{}
			return false, nil
		default:
			return false, err
		}
	}

	instances, err := r.reg.ListInstances(ctx, "")
	if err != nil {
		return 0, 0, err
	}
	removed := 0
	for _, inst := range instances {
		ok, err := isLive(inst.OwningServerID)
		if err != nil {
			return removed, 0, err
		}
		if ok {
			continue
		}
		if err := r.reg.RemoveInstance(ctx, inst.WorldID, inst.SceneName, inst.OwningServerID, inst.SceneHandle); err != nil {
			return removed, 0, err
		}
		removed++
	}

	reqs, err := r.reg.Requests.List(ctx, "")
	if err != nil {
		return removed, 0, err
	}
	failed := 0
	for i := range reqs {
		req := &reqs[i]
		if req.Status != StatusLoading {
			continue
		}
		ok, err := isLive(req.ClaimedBy)
		if err != nil {
			return removed, failed, err
		}
		if ok {
			continue
		}
		err = r.reg.Requests.Fail(ctx, req, "claiming server evicted")
		if errors.Is(err, ErrRequestGone) {
			continue
		}
		if err != nil {
			return removed, failed, err
		}
		failed++
	}
	return removed, failed, nil
}

// Evict removes a server and everything it owns regardless of pulse age.
// Used by operators; it does not require the reaper lease.
func (r *Registry) Evict(ctx context.Context, serverID string) (*ReapResult, error) {
	result := &ReapResult{ServersChecked: 1}
	if _, err := r.GetServer(ctx, serverID); err == nil {
		result.ServersEvicted = 1
	} else if !errors.Is(err, ErrServerNotFound) {
		return nil, err
	}
	if err := r.DeleteServer(ctx, serverID); err != nil {
		return nil, err
	}
	n, err := r.RemoveInstancesForServer(ctx, serverID)
	result.InstancesRemoved = n
	if err != nil {
		return result, err
	}
	failed, err := r.Requests.FailClaimsBy(ctx, serverID, "claiming server evicted")
	result.ClaimsFailed = failed
	return result, err
}
