package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/fishmmo/zonegrid/internal/metadata"
	"github.com/fishmmo/zonegrid/internal/metadata/keys"
)

// ServerSpec describes a process registering itself.
type ServerSpec struct {
	// ID is reused on re-registration. Empty means generate a new one.
	ID      string
	Kind    ServerKind
	Name    string
	Address string
	Port    uint16
	WorldID string
}

// AddServer writes a new ServerRecord and returns its ID. Re-registering
// with an existing ID overwrites the record.
func (r *Registry) AddServer(ctx context.Context, spec ServerSpec) (string, error) {
	if spec.Kind != KindWorld && spec.Kind != KindScene {
		return "", fmt.Errorf("%w: unknown server kind %q", ErrInvalidRecord, spec.Kind)
	}
	if spec.Kind == KindWorld {
		if err := keys.ValidateComponent(spec.WorldID); err != nil {
			return "", fmt.Errorf("%w: world id: %v", ErrInvalidRecord, err)
		}
	}

	id := spec.ID
	if id == "" {
		id = uuid.New().String()
	}
	if err := keys.ValidateComponent(id); err != nil {
		return "", fmt.Errorf("%w: server id: %v", ErrInvalidRecord, err)
	}

	now := r.nowMs()
	rec := ServerRecord{
		ID:          id,
		Kind:        spec.Kind,
		Name:        spec.Name,
		Address:     spec.Address,
		Port:        spec.Port,
		LastPulseMs: now,
		WorldID:     spec.WorldID,
		StartedAtMs: now,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("registry: marshal server: %w", err)
	}

	key := keys.ServerKeyPath(id)
	if _, err := r.meta.Put(ctx, key, data); err != nil {
		return "", fmt.Errorf("registry: add server: %w", err)
	}

	r.logger.Infof("server registered", map[string]any{
		"serverId": id,
		"kind":     string(spec.Kind),
		"name":     spec.Name,
		"address":  spec.Address,
		"port":     spec.Port,
	})
	return id, nil
}

// PulseServer records a heartbeat. LastPulse never moves backwards.
// Returns ErrServerNotFound if the record is gone.
func (r *Registry) PulseServer(ctx context.Context, id string, characterCount int) error {
	return r.updateServer(ctx, id, func(rec *ServerRecord) {
		if now := r.nowMs(); now > rec.LastPulseMs {
			rec.LastPulseMs = now
		}
		rec.CharacterCount = characterCount
	})
}

// SetServerLocked toggles whether a server may receive new placements.
func (r *Registry) SetServerLocked(ctx context.Context, id string, locked bool) error {
	return r.updateServer(ctx, id, func(rec *ServerRecord) {
		rec.Locked = locked
	})
}

func (r *Registry) updateServer(ctx context.Context, id string, mutate func(*ServerRecord)) error {
	key := keys.ServerKeyPath(id)

	var err error
	for attempt := 0; attempt < maxTxnAttempts; attempt++ {
		err = r.meta.Txn(ctx, key, func(txn metadata.Txn) error {
			data, version, err := txn.Get(key)
			if err != nil {
				if errors.Is(err, metadata.ErrKeyNotFound) {
					return ErrServerNotFound
				}
				return err
			}

			var rec ServerRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("unmarshal server: %w", err)
			}
			mutate(&rec)

			updated, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("marshal server: %w", err)
			}
			txn.PutWithVersion(key, updated, version)
			return nil
		})
		if err == nil || !shouldRetryTxn(err) {
			break
		}
	}
	if err != nil && !errors.Is(err, ErrServerNotFound) {
		return fmt.Errorf("registry: update server %s: %w", id, err)
	}
	return err
}

// GetServer returns a ServerRecord or ErrServerNotFound.
func (r *Registry) GetServer(ctx context.Context, id string) (*ServerRecord, error) {
	var rec ServerRecord
	_, ok, err := getJSON(ctx, r.meta, keys.ServerKeyPath(id), &rec)
	if err != nil {
		return nil, fmt.Errorf("registry: get server: %w", err)
	}
	if !ok {
		return nil, ErrServerNotFound
	}
	return &rec, nil
}

// ListServers returns all servers of the given kind. An empty kind lists all.
func (r *Registry) ListServers(ctx context.Context, kind ServerKind) ([]ServerRecord, error) {
	kvs, err := r.meta.List(ctx, keys.ServersListPrefix(), "", 0)
	if err != nil {
		return nil, fmt.Errorf("registry: list servers: %w", err)
	}

	servers := make([]ServerRecord, 0, len(kvs))
	for _, kv := range kvs {
		var rec ServerRecord
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			r.logger.Warnf("skipping malformed server record", map[string]any{
				"key":   kv.Key,
				"error": err.Error(),
			})
			continue
		}
		if kind != "" && rec.Kind != kind {
			continue
		}
		servers = append(servers, rec)
	}
	return servers, nil
}

// DeleteServer removes a ServerRecord. Deleting a missing record is a no-op.
func (r *Registry) DeleteServer(ctx context.Context, id string) error {
	if err := r.meta.Delete(ctx, keys.ServerKeyPath(id)); err != nil {
		return fmt.Errorf("registry: delete server: %w", err)
	}
	r.logger.Infof("server deregistered", map[string]any{
		"serverId": id,
	})
	return nil
}

// DeleteServerByName removes every ServerRecord with the given name and
// returns how many were removed.
func (r *Registry) DeleteServerByName(ctx context.Context, name string) (int, error) {
	servers, err := r.ListServers(ctx, "")
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, s := range servers {
		if s.Name != name {
			continue
		}
		if err := r.DeleteServer(ctx, s.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
