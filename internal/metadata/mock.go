package metadata

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// errStreamClosed is returned by mock notification streams after Close.
var errStreamClosed = errors.New("metadata: notification stream closed")

// MockStore implements MetadataStore in memory. It is shared by tests
// across packages and backs the "memory" registry backend for
// single-process development clusters.
//
// Every mutation is fanned out to open notification streams. Ephemeral
// keys survive until ExpireEphemeral is called, which stands in for a
// session timeout.
type MockStore struct {
	mu        sync.RWMutex
	data      map[string]KV
	ephemeral map[string]struct{}
	closed    bool
	nextVer   Version
	txnCalls  int
	subs      map[*mockStream]struct{}
	closeErr  error

	// failPut, when set, is consulted before every Put and Txn commit.
	failPut func(key string) error
}

// NewMockStore creates a new empty MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		data:      make(map[string]KV),
		ephemeral: make(map[string]struct{}),
		nextVer:   1,
		subs:      make(map[*mockStream]struct{}),
	}
}

func (m *MockStore) Get(_ context.Context, key string) (GetResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return GetResult{}, ErrStoreClosed
	}
	kv, ok := m.data[key]
	if !ok {
		return GetResult{Exists: false}, nil
	}
	return GetResult{Value: kv.Value, Version: kv.Version, Exists: true}, nil
}

func (m *MockStore) Put(_ context.Context, key string, value []byte, opts ...PutOption) (Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrStoreClosed
	}
	if m.failPut != nil {
		if err := m.failPut(key); err != nil {
			return 0, err
		}
	}
	if err := m.checkVersionLocked(key, ExtractExpectedVersion(opts)); err != nil {
		return 0, err
	}
	delete(m.ephemeral, key)
	return m.writeLocked(key, value), nil
}

func (m *MockStore) Delete(_ context.Context, key string, opts ...DeleteOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	existing, ok := m.data[key]
	if !ok {
		return nil
	}
	if expected := ExtractDeleteExpectedVersion(opts); expected != nil && existing.Version != *expected {
		return ErrVersionMismatch
	}
	m.deleteLocked(key)
	return nil
}

func (m *MockStore) List(_ context.Context, startKey, endKey string, limit int) ([]KV, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	var keys []string
	for k := range m.data {
		if endKey == "" {
			if strings.HasPrefix(k, startKey) {
				keys = append(keys, k)
			}
		} else if k >= startKey && k < endKey {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}

	result := make([]KV, len(keys))
	for i, k := range keys {
		result[i] = m.data[k]
	}
	return result, nil
}

// Txn runs fn against a pending write set and commits it atomically.
// The callback runs without the store lock held so it may read through
// the Txn; version constraints are re-checked under the lock at commit.
func (m *MockStore) Txn(_ context.Context, _ string, fn func(Txn) error) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrStoreClosed
	}
	m.txnCalls++
	m.mu.Unlock()

	txn := &mockTxn{store: m, pending: make(map[string]mockTxnOp)}
	if err := fn(txn); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	for _, key := range txn.order {
		op := txn.pending[key]
		if m.failPut != nil && !op.delete {
			if err := m.failPut(key); err != nil {
				return err
			}
		}
		if err := m.checkVersionLocked(key, op.expectedVersion); err != nil {
			return err
		}
	}
	for _, key := range txn.order {
		op := txn.pending[key]
		if op.delete {
			m.deleteLocked(key)
			continue
		}
		delete(m.ephemeral, key)
		m.writeLocked(key, op.value)
	}
	return nil
}

func (m *MockStore) PutEphemeral(_ context.Context, key string, value []byte, opts ...EphemeralOption) (Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrStoreClosed
	}

	expectNotExists, expectedVersion := ExtractEphemeralOptions(opts)
	existing, ok := m.data[key]
	if expectNotExists && ok {
		return 0, ErrVersionMismatch
	}
	if expectedVersion != nil && (!ok || existing.Version != *expectedVersion) {
		return 0, ErrVersionMismatch
	}

	m.ephemeral[key] = struct{}{}
	return m.writeLocked(key, value), nil
}

func (m *MockStore) Notifications(_ context.Context) (NotificationStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	s := &mockStream{store: m, ch: make(chan Notification, 256)}
	m.subs[s] = struct{}{}
	return s, nil
}

func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	for s := range m.subs {
		close(s.ch)
	}
	m.subs = nil
	return m.closeErr
}

// ExpireEphemeral removes every ephemeral key, as if the owning session
// had timed out.
func (m *MockStore) ExpireEphemeral() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key := range m.ephemeral {
		m.deleteLocked(key)
	}
}

// SimulateNotification delivers n to every open stream without touching
// stored data.
func (m *MockStore) SimulateNotification(n Notification) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishLocked(n)
}

// SetPutFailure installs a hook returning an error for writes to selected
// keys. Pass nil to clear it.
func (m *MockStore) SetPutFailure(fn func(key string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPut = fn
}

// TxnCallCount returns the number of times Txn was called.
func (m *MockStore) TxnCallCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.txnCalls
}

// Len returns the number of stored keys.
func (m *MockStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

func (m *MockStore) checkVersionLocked(key string, expected *Version) error {
	if expected == nil {
		return nil
	}
	existing, ok := m.data[key]
	if !ok && *expected != 0 {
		return ErrVersionMismatch
	}
	if ok && existing.Version != *expected {
		return ErrVersionMismatch
	}
	return nil
}

func (m *MockStore) writeLocked(key string, value []byte) Version {
	ver := m.nextVer
	m.nextVer++
	stored := append([]byte(nil), value...)
	m.data[key] = KV{Key: key, Value: stored, Version: ver}
	m.publishLocked(Notification{Key: key, Value: stored, Version: ver})
	return ver
}

func (m *MockStore) deleteLocked(key string) {
	delete(m.data, key)
	delete(m.ephemeral, key)
	m.publishLocked(Notification{Key: key, Deleted: true})
}

// publishLocked never blocks; a slow subscriber loses notifications,
// which callers tolerate because they also poll.
func (m *MockStore) publishLocked(n Notification) {
	for s := range m.subs {
		select {
		case s.ch <- n:
		default:
		}
	}
}

type mockTxnOp struct {
	value           []byte
	delete          bool
	expectedVersion *Version
}

type mockTxn struct {
	store   *MockStore
	pending map[string]mockTxnOp
	order   []string
}

func (t *mockTxn) Get(key string) ([]byte, Version, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	kv, ok := t.store.data[key]
	if !ok {
		return nil, 0, ErrKeyNotFound
	}
	return kv.Value, kv.Version, nil
}

func (t *mockTxn) queue(key string, op mockTxnOp) {
	if _, ok := t.pending[key]; !ok {
		t.order = append(t.order, key)
	}
	t.pending[key] = op
}

func (t *mockTxn) Put(key string, value []byte) {
	t.queue(key, mockTxnOp{value: value})
}

func (t *mockTxn) PutWithVersion(key string, value []byte, expectedVersion Version) {
	t.queue(key, mockTxnOp{value: value, expectedVersion: &expectedVersion})
}

func (t *mockTxn) Delete(key string) {
	t.queue(key, mockTxnOp{delete: true})
}

func (t *mockTxn) DeleteWithVersion(key string, expectedVersion Version) {
	t.queue(key, mockTxnOp{delete: true, expectedVersion: &expectedVersion})
}

type mockStream struct {
	store  *MockStore
	ch     chan Notification
	mu     sync.Mutex
	closed bool
}

func (s *mockStream) Next(ctx context.Context) (Notification, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Notification{}, errStreamClosed
	}
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return Notification{}, ctx.Err()
	case n, ok := <-s.ch:
		if !ok {
			return Notification{}, errStreamClosed
		}
		return n, nil
	}
}

func (s *mockStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	if _, ok := s.store.subs[s]; ok {
		delete(s.store.subs, s)
		close(s.ch)
	}
	return nil
}

var _ MetadataStore = (*MockStore)(nil)
