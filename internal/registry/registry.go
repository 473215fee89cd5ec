package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fishmmo/zonegrid/internal/logging"
	"github.com/fishmmo/zonegrid/internal/metadata"
)

// maxTxnAttempts bounds CAS retry loops on contended records.
const maxTxnAttempts = 5

func shouldRetryTxn(err error) bool {
	return errors.Is(err, metadata.ErrVersionMismatch) || errors.Is(err, metadata.ErrTxnConflict)
}

// Config configures a Registry.
type Config struct {
	// Clock overrides time.Now for tests.
	Clock Clock

	// Logger for registry events.
	Logger *logging.Logger
}

// Registry is the typed view over the shared metadata store.
type Registry struct {
	meta   metadata.MetadataStore
	clock  Clock
	logger *logging.Logger

	// Requests manages PendingSceneRequest rows.
	Requests *Requests

	// Assignments manages CharacterSceneAssignment rows.
	Assignments *Assignments
}

// New creates a Registry backed by meta.
func New(meta metadata.MetadataStore, cfg Config) *Registry {
	clock := cfg.Clock
	if clock == nil {
		clock = realClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.DefaultLogger()
	}

	r := &Registry{
		meta:   meta,
		clock:  clock,
		logger: logger,
	}
	r.Requests = &Requests{meta: meta, clock: clock, logger: logger}
	r.Assignments = &Assignments{meta: meta, clock: clock}
	return r
}

// Store returns the underlying metadata store.
func (r *Registry) Store() metadata.MetadataStore {
	return r.meta
}

func (r *Registry) nowMs() int64 {
	return r.clock.Now().UnixMilli()
}

// getJSON reads key into v. It reports whether the key existed.
func getJSON(ctx context.Context, meta metadata.MetadataStore, key string, v any) (metadata.Version, bool, error) {
	res, err := meta.Get(ctx, key)
	if err != nil {
		return 0, false, err
	}
	if !res.Exists {
		return 0, false, nil
	}
	if err := json.Unmarshal(res.Value, v); err != nil {
		return 0, false, fmt.Errorf("registry: unmarshal %s: %w", key, err)
	}
	return res.Version, true, nil
}
