// Package metadata defines the MetadataStore interface: the shared,
// versioned key-value substrate that every zonegrid process coordinates
// through. World brokers and scene workers never talk to each other
// directly; all agreement about which worker hosts which scene instance
// is reached with the conditional writes exposed here.
//
// Backends: the in-memory MockStore (tests, single-process dev), Oxia
// (package oxia) and MySQL (package mysql).
package metadata

import (
	"context"
	"errors"
)

// Common errors returned by MetadataStore operations.
var (
	// ErrKeyNotFound is returned when a key does not exist.
	ErrKeyNotFound = errors.New("metadata: key not found")

	// ErrVersionMismatch is returned when the expected version does not match
	// the current version during a CAS (compare-and-set) operation.
	ErrVersionMismatch = errors.New("metadata: version mismatch")

	// ErrTxnConflict is returned when a transaction cannot be committed
	// due to concurrent modifications.
	ErrTxnConflict = errors.New("metadata: transaction conflict")

	// ErrSessionExpired is returned when an ephemeral key's session has expired.
	ErrSessionExpired = errors.New("metadata: session expired")

	// ErrStoreClosed is returned when operations are attempted on a closed store.
	ErrStoreClosed = errors.New("metadata: store closed")

	// ErrNotificationsUnsupported is returned by backends that cannot push
	// change notifications. Callers fall back to polling.
	ErrNotificationsUnsupported = errors.New("metadata: notifications unsupported")
)

// Version represents a key's version in the metadata store.
// Versions are monotonically increasing and can be used for
// optimistic concurrency control via compare-and-set operations.
//
// A zero version indicates the key has never been written.
type Version int64

// NoVersion is a sentinel value indicating no version constraint.
const NoVersion Version = -1

// KV represents a key-value pair with its version.
type KV struct {
	Key     string
	Value   []byte
	Version Version
}

// GetResult is the result of a Get operation.
type GetResult struct {
	Value   []byte
	Version Version
	Exists  bool
}

// Notification represents a change notification from the metadata store.
type Notification struct {
	// Key is the key that was modified.
	Key string
	// Value is the new value, or nil if the key was deleted.
	Value []byte
	// Version is the version after the modification.
	Version Version
	// Deleted is true if the key was deleted.
	Deleted bool
}

// NotificationStream provides an iterator over change notifications.
//
//	stream, err := store.Notifications(ctx)
//	if err != nil {
//	    return err
//	}
//	defer stream.Close()
//
//	for {
//	    n, err := stream.Next(ctx)
//	    if err != nil {
//	        return err
//	    }
//	    // react to n.Key ...
//	}
type NotificationStream interface {
	// Next blocks until the next notification is available or the context
	// is cancelled.
	Next(ctx context.Context) (Notification, error)

	// Close releases resources associated with the stream.
	Close() error
}

// PutOption configures a Put operation.
type PutOption func(*putOptions)

type putOptions struct {
	expectedVersion *Version
}

// WithExpectedVersion specifies the expected version for a CAS operation.
// Version 0 means "the key must not exist", which turns Put into an
// insert-if-absent. If the current version does not match, the Put fails
// with ErrVersionMismatch.
func WithExpectedVersion(v Version) PutOption {
	return func(o *putOptions) {
		o.expectedVersion = &v
	}
}

// DeleteOption configures a Delete operation.
type DeleteOption func(*deleteOptions)

type deleteOptions struct {
	expectedVersion *Version
}

// WithDeleteExpectedVersion specifies the expected version for a conditional delete.
// If the current version does not match, the Delete will fail with ErrVersionMismatch.
func WithDeleteExpectedVersion(v Version) DeleteOption {
	return func(o *deleteOptions) {
		o.expectedVersion = &v
	}
}

// ExtractExpectedVersion extracts the expected version from Put options.
// Returns nil if no expected version was specified.
func ExtractExpectedVersion(opts []PutOption) *Version {
	var pOpts putOptions
	for _, opt := range opts {
		opt(&pOpts)
	}
	return pOpts.expectedVersion
}

// ExtractDeleteExpectedVersion extracts the expected version from Delete options.
// Returns nil if no expected version was specified.
func ExtractDeleteExpectedVersion(opts []DeleteOption) *Version {
	var dOpts deleteOptions
	for _, opt := range opts {
		opt(&dOpts)
	}
	return dOpts.expectedVersion
}

// EphemeralOption configures a PutEphemeral operation.
type EphemeralOption func(*ephemeralOptions)

type ephemeralOptions struct {
	expectNotExists bool
	expectedVersion *Version
}

// WithEphemeralExpectNotExists configures PutEphemeral to fail with
// ErrVersionMismatch if the key already exists. Use this for acquiring
// a new lease when no other process may hold it.
func WithEphemeralExpectNotExists() EphemeralOption {
	return func(o *ephemeralOptions) {
		o.expectNotExists = true
	}
}

// WithEphemeralExpectedVersion configures PutEphemeral to fail with
// ErrVersionMismatch if the key's current version doesn't match.
// Use this for renewing a lease you already hold.
func WithEphemeralExpectedVersion(v Version) EphemeralOption {
	return func(o *ephemeralOptions) {
		o.expectedVersion = &v
	}
}

// ExtractEphemeralOptions extracts options from EphemeralOption slice.
func ExtractEphemeralOptions(opts []EphemeralOption) (expectNotExists bool, expectedVersion *Version) {
	var o ephemeralOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o.expectNotExists, o.expectedVersion
}

// Txn represents an atomic transaction on the metadata store.
// All operations within a transaction are executed atomically;
// either all succeed or none are applied.
//
// Example: promote a claimed scene request into a live instance.
//
//	err := store.Txn(ctx, requestKey, func(txn metadata.Txn) error {
//	    txn.DeleteWithVersion(requestKey, claimedVersion)
//	    txn.Put(instanceKey, instanceJSON)
//	    return nil
//	})
type Txn interface {
	// Get retrieves a value within the transaction.
	// Returns ErrKeyNotFound if the key does not exist.
	Get(key string) (value []byte, version Version, err error)

	// Put queues a write operation within the transaction.
	Put(key string, value []byte)

	// PutWithVersion queues a conditional write within the transaction.
	// The transaction will fail with ErrVersionMismatch if the current
	// version does not match expectedVersion when the transaction commits.
	PutWithVersion(key string, value []byte, expectedVersion Version)

	// Delete queues a delete operation within the transaction.
	Delete(key string)

	// DeleteWithVersion queues a conditional delete within the transaction.
	DeleteWithVersion(key string, expectedVersion Version)
}

// MetadataStore is the interface for registry storage operations.
//
// All operations accept a context.Context for cancellation and timeouts.
//
// The MetadataStore interface provides:
//   - Basic key-value operations with optimistic concurrency control
//   - Ordered prefix listing
//   - Atomic multi-key transactions scoped by a key
//   - Change notifications (optional per backend)
//   - Ephemeral keys for session-bound leases
type MetadataStore interface {
	// Get retrieves a value by key.
	// Returns GetResult with Exists=false if the key does not exist (not an error).
	Get(ctx context.Context, key string) (GetResult, error)

	// Put stores a value, optionally with version checking for CAS operations.
	// Returns the new version assigned to the key.
	Put(ctx context.Context, key string, value []byte, opts ...PutOption) (Version, error)

	// Delete removes a key, optionally with version checking.
	// Returns nil if the key does not exist (idempotent).
	Delete(ctx context.Context, key string, opts ...DeleteOption) error

	// List returns keys in the range [startKey, endKey) in lexicographic order.
	// If endKey is empty, returns all keys with the prefix startKey.
	// If limit is 0 or negative, returns all matching keys.
	List(ctx context.Context, startKey, endKey string, limit int) ([]KV, error)

	// Txn executes an atomic transaction. The scopeKey selects the shard on
	// partitioned backends; all keys touched should share its shard.
	// Returns ErrTxnConflict or ErrVersionMismatch when the commit loses a race.
	Txn(ctx context.Context, scopeKey string, fn func(Txn) error) error

	// Notifications returns a stream of change notifications for the
	// namespace. Backends without push support return
	// ErrNotificationsUnsupported.
	Notifications(ctx context.Context) (NotificationStream, error)

	// PutEphemeral stores a value that is automatically deleted when
	// the client session ends.
	PutEphemeral(ctx context.Context, key string, value []byte, opts ...EphemeralOption) (Version, error)

	// Close releases resources held by the store.
	Close() error
}
