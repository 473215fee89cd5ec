package metadata

import (
	"context"
	"errors"
	"time"
)

// Operation outcomes reported to a StoreMetricsRecorder.
const (
	OutcomeOK       = "ok"
	OutcomeConflict = "conflict"
	OutcomeError    = "error"
)

// StoreMetricsRecorder receives one observation per registry operation.
// It lets this package stay independent of the metrics package.
type StoreMetricsRecorder interface {
	RecordOp(op string, durationSeconds float64, outcome string)
}

// InstrumentedStore wraps a MetadataStore and records latency and outcome
// for each operation. Lost CAS races are reported as conflicts rather than
// errors so contention is visible separately from backend failures.
type InstrumentedStore struct {
	store   MetadataStore
	metrics StoreMetricsRecorder
}

// NewInstrumentedStore creates an instrumented wrapper around a MetadataStore.
// A nil recorder makes every call a pass-through.
func NewInstrumentedStore(store MetadataStore, metrics StoreMetricsRecorder) *InstrumentedStore {
	return &InstrumentedStore{
		store:   store,
		metrics: metrics,
	}
}

// Unwrap returns the underlying store.
func (s *InstrumentedStore) Unwrap() MetadataStore {
	return s.store
}

func (s *InstrumentedStore) observe(op string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordOp(op, time.Since(start).Seconds(), outcomeOf(err))
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrVersionMismatch), errors.Is(err, ErrTxnConflict):
		return OutcomeConflict
	default:
		return OutcomeError
	}
}

func (s *InstrumentedStore) Get(ctx context.Context, key string) (GetResult, error) {
	start := time.Now()
	result, err := s.store.Get(ctx, key)
	s.observe("get", start, err)
	return result, err
}

func (s *InstrumentedStore) Put(ctx context.Context, key string, value []byte, opts ...PutOption) (Version, error) {
	start := time.Now()
	v, err := s.store.Put(ctx, key, value, opts...)
	s.observe("put", start, err)
	return v, err
}

func (s *InstrumentedStore) Delete(ctx context.Context, key string, opts ...DeleteOption) error {
	start := time.Now()
	err := s.store.Delete(ctx, key, opts...)
	s.observe("delete", start, err)
	return err
}

func (s *InstrumentedStore) List(ctx context.Context, startKey, endKey string, limit int) ([]KV, error) {
	start := time.Now()
	result, err := s.store.List(ctx, startKey, endKey, limit)
	s.observe("list", start, err)
	return result, err
}

func (s *InstrumentedStore) Txn(ctx context.Context, scopeKey string, fn func(Txn) error) error {
	start := time.Now()
	err := s.store.Txn(ctx, scopeKey, fn)
	s.observe("txn", start, err)
	return err
}

// Notifications is not timed; streams are long-lived.
func (s *InstrumentedStore) Notifications(ctx context.Context) (NotificationStream, error) {
	return s.store.Notifications(ctx)
}

func (s *InstrumentedStore) PutEphemeral(ctx context.Context, key string, value []byte, opts ...EphemeralOption) (Version, error) {
	start := time.Now()
	v, err := s.store.PutEphemeral(ctx, key, value, opts...)
	s.observe("put_ephemeral", start, err)
	return v, err
}

func (s *InstrumentedStore) Close() error {
	return s.store.Close()
}

var _ MetadataStore = (*InstrumentedStore)(nil)
