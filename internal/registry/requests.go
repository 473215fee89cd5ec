package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fishmmo/zonegrid/internal/logging"
	"github.com/fishmmo/zonegrid/internal/metadata"
	"github.com/fishmmo/zonegrid/internal/metadata/keys"
)

// EnqueueOutcome reports what Enqueue did.
type EnqueueOutcome int

const (
	// EnqueueCreated means a new pending row was inserted.
	EnqueueCreated EnqueueOutcome = iota
	// EnqueueRearmed means a failed row was moved back to pending.
	EnqueueRearmed
	// EnqueueOutstanding means a pending or loading row already existed.
	EnqueueOutstanding
)

func (o EnqueueOutcome) String() string {
	switch o {
	case EnqueueCreated:
		return "created"
	case EnqueueRearmed:
		return "rearmed"
	case EnqueueOutstanding:
		return "outstanding"
	default:
		return "unknown"
	}
}

// Requests manages PendingSceneRequest rows. The row key is derived from
// (world, scene), so uniqueness is a property of the keyspace and every
// state change is a version-guarded write on that single key.
type Requests struct {
	meta   metadata.MetadataStore
	clock  Clock
	logger *logging.Logger
}

func decodeRequest(kv metadata.KV) (*PendingSceneRequest, error) {
	var req PendingSceneRequest
	if err := json.Unmarshal(kv.Value, &req); err != nil {
		return nil, fmt.Errorf("registry: unmarshal request %s: %w", kv.Key, err)
	}
	req.Version = kv.Version
	return &req, nil
}

// Get returns the request for (worldID, sceneName), or nil if none exists.
func (q *Requests) Get(ctx context.Context, worldID, sceneName string) (*PendingSceneRequest, error) {
	key := keys.RequestKeyPath(worldID, sceneName)
	res, err := q.meta.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("registry: get request: %w", err)
	}
	if !res.Exists {
		return nil, nil
	}
	return decodeRequest(metadata.KV{Key: key, Value: res.Value, Version: res.Version})
}

// Exists reports whether any request row exists for (worldID, sceneName).
func (q *Requests) Exists(ctx context.Context, worldID, sceneName string) (bool, error) {
	res, err := q.meta.Get(ctx, keys.RequestKeyPath(worldID, sceneName))
	if err != nil {
		return false, fmt.Errorf("registry: request exists: %w", err)
	}
	return res.Exists, nil
}

// Enqueue ensures a request is outstanding for (worldID, sceneName). The
// insert is conditional on the key not existing, so concurrent callers
// produce exactly one row. A failed row is re-armed; a pending or loading
// row is left untouched.
func (q *Requests) Enqueue(ctx context.Context, worldID, sceneName string) (EnqueueOutcome, error) {
	if err := keys.ValidateComponent(worldID); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if err := keys.ValidateComponent(sceneName); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}

	key := keys.RequestKeyPath(worldID, sceneName)
	now := q.clock.Now().UnixMilli()
	data, err := json.Marshal(PendingSceneRequest{
		WorldID:     worldID,
		SceneName:   sceneName,
		Status:      StatusPending,
		CreatedAtMs: now,
		UpdatedAtMs: now,
	})
	if err != nil {
		return 0, fmt.Errorf("registry: marshal request: %w", err)
	}

	for attempt := 0; attempt < maxTxnAttempts; attempt++ {
		_, err := q.meta.Put(ctx, key, data, metadata.WithExpectedVersion(0))
		if err == nil {
			q.logger.Infof("scene request enqueued", map[string]any{
				"worldId":   worldID,
				"sceneName": sceneName,
			})
			return EnqueueCreated, nil
		}
		if !shouldRetryTxn(err) {
			return 0, fmt.Errorf("registry: enqueue: %w", err)
		}

		existing, err := q.Get(ctx, worldID, sceneName)
		if err != nil {
			return 0, err
		}
		if existing == nil {
			// Completed or deleted between our insert and read.
			continue
		}
		if existing.Status != StatusFailed {
			return EnqueueOutstanding, nil
		}
		rearmed, err := q.rearm(ctx, existing)
		if err != nil {
			return 0, err
		}
		if rearmed {
			return EnqueueRearmed, nil
		}
	}
	return EnqueueOutstanding, nil
}

// Dequeue claims the first pending request in keyspace order for serverID
// and returns it in loading state. Returns nil when nothing is pending.
// The claim is a single conditional write, so two workers never both
// receive the same request.
func (q *Requests) Dequeue(ctx context.Context, serverID string) (*PendingSceneRequest, error) {
	kvs, err := q.meta.List(ctx, keys.AllRequestsPrefix(), "", 0)
	if err != nil {
		return nil, fmt.Errorf("registry: list requests: %w", err)
	}

	for _, kv := range kvs {
		req, err := decodeRequest(kv)
		if err != nil {
			q.logger.Warnf("skipping malformed request", map[string]any{
				"key":   kv.Key,
				"error": err.Error(),
			})
			continue
		}
		if req.Status != StatusPending {
			continue
		}

		req.Status = StatusLoading
		req.ClaimedBy = serverID
		req.UpdatedAtMs = q.clock.Now().UnixMilli()
		data, err := json.Marshal(req)
		if err != nil {
			return nil, fmt.Errorf("registry: marshal request: %w", err)
		}

		ver, err := q.meta.Put(ctx, kv.Key, data, metadata.WithExpectedVersion(kv.Version))
		if err != nil {
			if shouldRetryTxn(err) {
				// Another worker claimed it first.
				continue
			}
			return nil, fmt.Errorf("registry: claim request: %w", err)
		}
		req.Version = ver
		return req, nil
	}
	return nil, nil
}

// Complete promotes a claimed request: in one transaction the request row
// is deleted and the instance is published with the given record. Returns
// ErrRequestGone if the row no longer belongs to this claim.
func (q *Requests) Complete(ctx context.Context, req *PendingSceneRequest, inst SceneInstanceRecord) error {
	reqKey := keys.RequestKeyPath(req.WorldID, req.SceneName)
	instKey, err := instanceKey(inst)
	if err != nil {
		return err
	}
	inst.UpdatedAtMs = q.clock.Now().UnixMilli()
	instData, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("registry: marshal instance: %w", err)
	}

	err = q.meta.Txn(ctx, reqKey, func(txn metadata.Txn) error {
		_, version, err := q.txnClaim(txn, reqKey, req)
		if err != nil {
			return err
		}
		txn.DeleteWithVersion(reqKey, version)
		txn.Put(instKey, instData)
		return nil
	})
	return q.resolveErr("complete", err)
}

// Fail moves a claimed request to failed, recording reason and bumping
// Attempts. The row stays so the broker can re-arm it.
func (q *Requests) Fail(ctx context.Context, req *PendingSceneRequest, reason string) error {
	reqKey := keys.RequestKeyPath(req.WorldID, req.SceneName)

	err := q.meta.Txn(ctx, reqKey, func(txn metadata.Txn) error {
		current, version, err := q.txnClaim(txn, reqKey, req)
		if err != nil {
			return err
		}
		current.Status = StatusFailed
		current.Attempts++
		current.LastError = reason
		current.UpdatedAtMs = q.clock.Now().UnixMilli()
		data, err := json.Marshal(current)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		txn.PutWithVersion(reqKey, data, version)
		return nil
	})
	return q.resolveErr("fail", err)
}

// txnClaim reads the row inside txn and verifies it is still the loading
// row claimed by req.ClaimedBy.
func (q *Requests) txnClaim(txn metadata.Txn, key string, req *PendingSceneRequest) (*PendingSceneRequest, metadata.Version, error) {
	data, version, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, metadata.ErrKeyNotFound) {
			return nil, 0, ErrRequestGone
		}
		return nil, 0, err
	}
	var current PendingSceneRequest
	if err := json.Unmarshal(data, &current); err != nil {
		return nil, 0, fmt.Errorf("unmarshal request: %w", err)
	}
	if current.Status != StatusLoading || current.ClaimedBy != req.ClaimedBy {
		return nil, 0, ErrRequestGone
	}
	return &current, version, nil
}

// resolveErr maps a lost race on a claimed row to ErrRequestGone.
func (q *Requests) resolveErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrRequestGone), shouldRetryTxn(err):
		return ErrRequestGone
	default:
		return fmt.Errorf("registry: %s request: %w", op, err)
	}
}

// Rearm moves a failed request back to pending. It reports whether a row
// was re-armed.
func (q *Requests) Rearm(ctx context.Context, worldID, sceneName string) (bool, error) {
	req, err := q.Get(ctx, worldID, sceneName)
	if err != nil || req == nil {
		return false, err
	}
	if req.Status != StatusFailed {
		return false, nil
	}
	return q.rearm(ctx, req)
}

func (q *Requests) rearm(ctx context.Context, req *PendingSceneRequest) (bool, error) {
	next := *req
	next.Status = StatusPending
	next.ClaimedBy = ""
	next.UpdatedAtMs = q.clock.Now().UnixMilli()
	data, err := json.Marshal(next)
	if err != nil {
		return false, fmt.Errorf("registry: marshal request: %w", err)
	}

	key := keys.RequestKeyPath(req.WorldID, req.SceneName)
	if _, err := q.meta.Put(ctx, key, data, metadata.WithExpectedVersion(req.Version)); err != nil {
		if shouldRetryTxn(err) {
			return false, nil
		}
		return false, fmt.Errorf("registry: rearm request: %w", err)
	}
	q.logger.Infof("scene request re-armed", map[string]any{
		"worldId":   req.WorldID,
		"sceneName": req.SceneName,
		"attempts":  req.Attempts,
		"lastError": req.LastError,
	})
	return true, nil
}

// List returns all requests of a world, or of all worlds when worldID is empty.
func (q *Requests) List(ctx context.Context, worldID string) ([]PendingSceneRequest, error) {
	prefix := keys.AllRequestsPrefix()
	if worldID != "" {
		prefix = keys.WorldRequestsPrefix(worldID)
	}
	kvs, err := q.meta.List(ctx, prefix, "", 0)
	if err != nil {
		return nil, fmt.Errorf("registry: list requests: %w", err)
	}
	out := make([]PendingSceneRequest, 0, len(kvs))
	for _, kv := range kvs {
		req, err := decodeRequest(kv)
		if err != nil {
			continue
		}
		out = append(out, *req)
	}
	return out, nil
}

// ListFailed returns the failed requests of a world.
func (q *Requests) ListFailed(ctx context.Context, worldID string) ([]PendingSceneRequest, error) {
	all, err := q.List(ctx, worldID)
	if err != nil {
		return nil, err
	}
	failed := all[:0]
	for _, req := range all {
		if req.Status == StatusFailed {
			failed = append(failed, req)
		}
	}
	return failed, nil
}

// Delete removes the request for (worldID, sceneName) unconditionally.
func (q *Requests) Delete(ctx context.Context, worldID, sceneName string) error {
	if err := q.meta.Delete(ctx, keys.RequestKeyPath(worldID, sceneName)); err != nil {
		return fmt.Errorf("registry: delete request: %w", err)
	}
	return nil
}

// DeleteAllForWorld removes every request of a world and returns the count.
func (q *Requests) DeleteAllForWorld(ctx context.Context, worldID string) (int, error) {
	reqs, err := q.List(ctx, worldID)
	if err != nil {
		return 0, err
	}
	for i, req := range reqs {
		if err := q.Delete(ctx, req.WorldID, req.SceneName); err != nil {
			return i, err
		}
	}
	return len(reqs), nil
}

// FailClaimsBy moves every loading request claimed by serverID to failed.
// The reaper calls this for evicted workers.
func (q *Requests) FailClaimsBy(ctx context.Context, serverID, reason string) (int, error) {
	reqs, err := q.List(ctx, "")
	if err != nil {
		return 0, err
	}
	failed := 0
	for i := range reqs {
		req := &reqs[i]
		if req.Status != StatusLoading || req.ClaimedBy != serverID {
			continue
		}
		err := q.Fail(ctx, req, reason)
		if errors.Is(err, ErrRequestGone) {
			continue
		}
		if err != nil {
			return failed, err
		}
		failed++
	}
	return failed, nil
}
