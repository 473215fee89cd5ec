package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fishmmo/zonegrid/internal/metadata"
	"github.com/fishmmo/zonegrid/internal/metadata/keys"
)

func instanceKey(inst SceneInstanceRecord) (string, error) {
	for _, c := range []string{inst.WorldID, inst.SceneName, inst.OwningServerID} {
		if err := keys.ValidateComponent(c); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidRecord, err)
		}
	}
	if inst.CharacterCount < 0 {
		return "", fmt.Errorf("%w: negative character count %d", ErrInvalidRecord, inst.CharacterCount)
	}
	return keys.InstanceKeyPath(inst.WorldID, inst.SceneName, inst.OwningServerID, inst.SceneHandle)
}

func (r *Registry) putInstance(ctx context.Context, inst SceneInstanceRecord) error {
	key, err := instanceKey(inst)
	if err != nil {
		return err
	}
	inst.UpdatedAtMs = r.nowMs()
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("registry: marshal instance: %w", err)
	}
	if _, err := r.meta.Put(ctx, key, data); err != nil {
		return fmt.Errorf("registry: put instance: %w", err)
	}
	return nil
}

// AddInstance publishes a scene instance.
func (r *Registry) AddInstance(ctx context.Context, inst SceneInstanceRecord) error {
	return r.putInstance(ctx, inst)
}

// PulseInstance sets an existing instance's character count. Repeating the
// same count is idempotent. Returns ErrInstanceNotFound if absent.
func (r *Registry) PulseInstance(ctx context.Context, worldID, sceneName, serverID string, handle int64, characterCount int) error {
	if characterCount < 0 {
		return fmt.Errorf("%w: negative character count %d", ErrInvalidRecord, characterCount)
	}
	key, err := keys.InstanceKeyPath(worldID, sceneName, serverID, handle)
	if err != nil {
		return err
	}

	for attempt := 0; attempt < maxTxnAttempts; attempt++ {
		err = r.meta.Txn(ctx, key, func(txn metadata.Txn) error {
			data, version, err := txn.Get(key)
			if err != nil {
				if errors.Is(err, metadata.ErrKeyNotFound) {
					return ErrInstanceNotFound
				}
				return err
			}
			var inst SceneInstanceRecord
			if err := json.Unmarshal(data, &inst); err != nil {
				return fmt.Errorf("unmarshal instance: %w", err)
			}
			inst.CharacterCount = characterCount
			inst.UpdatedAtMs = r.nowMs()
			updated, err := json.Marshal(inst)
			if err != nil {
				return fmt.Errorf("marshal instance: %w", err)
			}
			txn.PutWithVersion(key, updated, version)
			return nil
		})
		if err == nil || !shouldRetryTxn(err) {
			break
		}
	}
	return err
}

// RemoveInstance deletes one instance. Missing instances are ignored.
func (r *Registry) RemoveInstance(ctx context.Context, worldID, sceneName, serverID string, handle int64) error {
	key, err := keys.InstanceKeyPath(worldID, sceneName, serverID, handle)
	if err != nil {
		return err
	}
	if err := r.meta.Delete(ctx, key); err != nil {
		return fmt.Errorf("registry: remove instance: %w", err)
	}
	return nil
}

// ListInstances returns every instance of a world, or of all worlds when
// worldID is empty.
func (r *Registry) ListInstances(ctx context.Context, worldID string) ([]SceneInstanceRecord, error) {
	prefix := keys.AllInstancesPrefix()
	if worldID != "" {
		prefix = keys.WorldInstancesPrefix(worldID)
	}
	return r.listInstances(ctx, prefix)
}

// ListSceneInstances returns every instance of one scene in a world.
func (r *Registry) ListSceneInstances(ctx context.Context, worldID, sceneName string) ([]SceneInstanceRecord, error) {
	return r.listInstances(ctx, keys.SceneInstancesPrefix(worldID, sceneName))
}

func (r *Registry) listInstances(ctx context.Context, prefix string) ([]SceneInstanceRecord, error) {
	kvs, err := r.meta.List(ctx, prefix, "", 0)
	if err != nil {
		return nil, fmt.Errorf("registry: list instances: %w", err)
	}
	out := make([]SceneInstanceRecord, 0, len(kvs))
	for _, kv := range kvs {
		var inst SceneInstanceRecord
		if err := json.Unmarshal(kv.Value, &inst); err != nil {
			r.logger.Warnf("skipping malformed instance record", map[string]any{
				"key":   kv.Key,
				"error": err.Error(),
			})
			continue
		}
		out = append(out, inst)
	}
	return out, nil
}

// ReplaceInstances makes the registry's instance set for serverID equal to
// local: every local instance is written and every other instance owned by
// serverID is deleted.
func (r *Registry) ReplaceInstances(ctx context.Context, serverID string, local []SceneInstanceRecord) error {
	keep := make(map[string]struct{}, len(local))
	for _, inst := range local {
		if inst.OwningServerID != serverID {
			return fmt.Errorf("%w: instance owned by %q, not %q", ErrInvalidRecord, inst.OwningServerID, serverID)
		}
		if err := r.putInstance(ctx, inst); err != nil {
			return err
		}
		key, _ := instanceKey(inst)
		keep[key] = struct{}{}
	}

	existing, err := r.instancesOwnedBy(ctx, serverID)
	if err != nil {
		return err
	}
	for _, key := range existing {
		if _, ok := keep[key]; ok {
			continue
		}
		if err := r.meta.Delete(ctx, key); err != nil {
			return fmt.Errorf("registry: delete stale instance: %w", err)
		}
	}
	return nil
}

// RemoveInstancesForServer deletes every instance owned by serverID and
// returns how many were removed.
func (r *Registry) RemoveInstancesForServer(ctx context.Context, serverID string) (int, error) {
	owned, err := r.instancesOwnedBy(ctx, serverID)
	if err != nil {
		return 0, err
	}
	for i, key := range owned {
		if err := r.meta.Delete(ctx, key); err != nil {
			return i, fmt.Errorf("registry: remove instance: %w", err)
		}
	}
	return len(owned), nil
}

func (r *Registry) instancesOwnedBy(ctx context.Context, serverID string) ([]string, error) {
	kvs, err := r.meta.List(ctx, keys.AllInstancesPrefix(), "", 0)
	if err != nil {
		return nil, fmt.Errorf("registry: list instances: %w", err)
	}
	var owned []string
	for _, kv := range kvs {
		ik, err := keys.ParseInstanceKey(kv.Key)
		if err != nil {
			continue
		}
		if ik.ServerID == serverID {
			owned = append(owned, kv.Key)
		}
	}
	return owned, nil
}

// GetCandidates returns instances of (worldID, sceneName) that can accept
// a character: CharacterCount below capacity and owned by a registered,
// unlocked server. Results are in keyspace order.
func (r *Registry) GetCandidates(ctx context.Context, worldID, sceneName string, capacity int) ([]Candidate, error) {
	instances, err := r.ListSceneInstances(ctx, worldID, sceneName)
	if err != nil {
		return nil, err
	}

	owners := make(map[string]*ServerRecord)
	var candidates []Candidate
	for _, inst := range instances {
		if inst.CharacterCount >= capacity {
			continue
		}
		owner, seen := owners[inst.OwningServerID]
		if !seen {
			owner, err = r.GetServer(ctx, inst.OwningServerID)
			if err != nil && !errors.Is(err, ErrServerNotFound) {
				return nil, err
			}
			owners[inst.OwningServerID] = owner
		}
		if owner == nil || owner.Locked {
			continue
		}
		candidates = append(candidates, Candidate{Instance: inst, Server: *owner})
	}
	return candidates, nil
}
