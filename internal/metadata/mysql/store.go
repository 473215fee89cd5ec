package mysql

import (
	"context"
	"database/sql"
	"sync"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/fishmmo/zonegrid/internal/logging"
	"github.com/fishmmo/zonegrid/internal/metadata"
)

// Config configures the MySQL metadata store.
type Config struct {
	// DSN is a go-sql-driver DSN, e.g. "user:pass@tcp(host:3306)/db".
	DSN string

	// Table is the key-value table. A "<table>_seq" table is created next
	// to it. Default: DefaultTable.
	Table string

	// EphemeralTTL is how long an ephemeral row outlives its last renewal.
	// Default: 15 seconds.
	EphemeralTTL time.Duration

	// MaxOpenConns caps the connection pool. Default: 8.
	MaxOpenConns int
}

// DefaultTable is used when Config.Table is empty.
const DefaultTable = "zonegrid_kv"

const (
	defaultEphemeralTTL = 15 * time.Second
	defaultMaxOpenConns = 8

	// InnoDB error numbers for a lost lock race.
	errLockDeadlock    = 1213
	errLockWaitTimeout = 1205
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type querier interface {
	execer
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements metadata.MetadataStore on MySQL.
type Store struct {
	db      *sql.DB
	st      statements
	session string
	ttl     time.Duration

	mu     sync.RWMutex
	closed bool

	stop chan struct{}
	done chan struct{}
}

var _ metadata.MetadataStore = (*Store)(nil)

// New connects, creates the schema if needed and starts the ephemeral
// keepalive loop.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("mysql: dsn is required")
	}
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}
	if cfg.EphemeralTTL <= 0 {
		cfg.EphemeralTTL = defaultEphemeralTTL
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = defaultMaxOpenConns
	}

	st, err := newStatements(cfg.Table)
	if err != nil {
		return nil, err
	}

	dsn, err := normalizeDSN(cfg.DSN)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "mysql: cannot open db connection")
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "mysql: db connection is not active")
	}
	if err := ensureSchema(ctx, db, st); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{
		db:      db,
		st:      st,
		session: uuid.NewString(),
		ttl:     cfg.EphemeralTTL,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.keepalive()
	return s, nil
}

// normalizeDSN parses dsn and forces the options the store relies on.
func normalizeDSN(dsn string) (string, error) {
	parsed, err := mysqldriver.ParseDSN(dsn)
	if err != nil {
		return "", errors.Wrap(err, "mysql: parse dsn")
	}
	parsed.ParseTime = true
	parsed.InterpolateParams = false
	if parsed.Params == nil {
		parsed.Params = map[string]string{}
	}
	parsed.Params["transaction_isolation"] = "'READ-COMMITTED'"
	return parsed.FormatDSN(), nil
}

func (s *Store) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return metadata.ErrStoreClosed
	}
	return nil
}

// Get retrieves a value by key.
func (s *Store) Get(ctx context.Context, key string) (metadata.GetResult, error) {
	if err := s.checkClosed(); err != nil {
		return metadata.GetResult{}, err
	}

	value, version, ok, err := readRow(ctx, s.db, s.st.selectRow, key)
	if err != nil {
		return metadata.GetResult{}, errors.Wrapf(err, "mysql: get %s", key)
	}
	if !ok {
		return metadata.GetResult{Exists: false}, nil
	}
	return metadata.GetResult{Value: value, Version: version, Exists: true}, nil
}

// Put stores a value with optional version checking.
func (s *Store) Put(ctx context.Context, key string, value []byte, opts ...metadata.PutOption) (metadata.Version, error) {
	if err := s.checkClosed(); err != nil {
		return 0, err
	}
	expected := metadata.ExtractExpectedVersion(opts)

	var next metadata.Version
	err := s.writeTx(ctx, func(tx *sql.Tx, version metadata.Version) error {
		if expected != nil {
			_, current, ok, err := readRow(ctx, tx, s.st.lockRow, key)
			if err != nil {
				return err
			}
			if !versionMatches(current, ok, *expected) {
				return metadata.ErrVersionMismatch
			}
		}
		if _, err := tx.ExecContext(ctx, s.st.upsertRow, key, nonNil(value), int64(version), nil, nil); err != nil {
			return err
		}
		next = version
		return nil
	})
	if err != nil {
		return 0, s.mapWriteErr(err, metadata.ErrVersionMismatch, "put", key)
	}
	return next, nil
}

// Delete removes a key. Deleting a missing key without a version is a no-op.
func (s *Store) Delete(ctx context.Context, key string, opts ...metadata.DeleteOption) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	expected := metadata.ExtractDeleteExpectedVersion(opts)

	err := s.writeTx(ctx, func(tx *sql.Tx, _ metadata.Version) error {
		if expected != nil {
			_, current, ok, err := readRow(ctx, tx, s.st.lockRow, key)
			if err != nil {
				return err
			}
			if !ok || current != *expected {
				return metadata.ErrVersionMismatch
			}
		}
		_, err := tx.ExecContext(ctx, s.st.deleteRow, key)
		return err
	})
	return s.mapWriteErr(err, metadata.ErrVersionMismatch, "delete", key)
}

// List returns keys in [startKey, endKey) in byte order. An empty endKey
// lists every key with startKey as a prefix.
func (s *Store) List(ctx context.Context, startKey, endKey string, limit int) ([]metadata.KV, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	if endKey == "" {
		endKey = prefixEnd(startKey)
	}
	q, args := s.st.listFrom, []any{startKey}
	if endKey != "" {
		q, args = s.st.listRange, []any{startKey, endKey}
	}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "mysql: list %s", startKey)
	}
	defer rows.Close()

	var kvs []metadata.KV
	for rows.Next() {
		var (
			k       []byte
			v       []byte
			version int64
		)
		if err := rows.Scan(&k, &v, &version); err != nil {
			return nil, errors.Wrapf(err, "mysql: list %s", startKey)
		}
		kvs = append(kvs, metadata.KV{Key: string(k), Value: v, Version: metadata.Version(version)})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "mysql: list %s", startKey)
	}
	return kvs, nil
}

// Txn runs fn, then applies its writes in one database transaction. Reads
// inside fn are not locked; a key read through the Txn and then written is
// checked against the version seen at read time.
func (s *Store) Txn(ctx context.Context, _ string, fn func(metadata.Txn) error) error {
	if err := s.checkClosed(); err != nil {
		return err
	}

	t := &transaction{store: s, ctx: ctx, reads: make(map[string]txnRead)}
	if err := fn(t); err != nil {
		return err
	}
	if len(t.ops) == 0 {
		return nil
	}

	err := s.writeTx(ctx, t.apply)
	return s.mapWriteErr(err, metadata.ErrTxnConflict, "txn", "")
}

// Notifications is not supported on MySQL.
func (s *Store) Notifications(context.Context) (metadata.NotificationStream, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	return nil, metadata.ErrNotificationsUnsupported
}

// PutEphemeral stores a value owned by this store's session. The row
// disappears once the store stops renewing it for longer than the TTL.
func (s *Store) PutEphemeral(ctx context.Context, key string, value []byte, opts ...metadata.EphemeralOption) (metadata.Version, error) {
	if err := s.checkClosed(); err != nil {
		return 0, err
	}
	expectNotExists, expected := metadata.ExtractEphemeralOptions(opts)

	var next metadata.Version
	err := s.writeTx(ctx, func(tx *sql.Tx, version metadata.Version) error {
		_, current, ok, err := readRow(ctx, tx, s.st.lockRow, key)
		if err != nil {
			return err
		}
		if expectNotExists && ok {
			return metadata.ErrVersionMismatch
		}
		if expected != nil && (!ok || current != *expected) {
			return metadata.ErrVersionMismatch
		}
		if _, err := tx.ExecContext(ctx, s.st.upsertEphem, key, nonNil(value), int64(version), s.session, s.ttl.Milliseconds()); err != nil {
			return err
		}
		next = version
		return nil
	})
	if err != nil {
		return 0, s.mapWriteErr(err, metadata.ErrVersionMismatch, "put ephemeral", key)
	}
	return next, nil
}

// Close stops the keepalive loop, drops this session's ephemeral rows and
// closes the pool.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stop)
	<-s.done

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, dropErr := s.db.ExecContext(ctx, s.st.dropSession, s.session)
	closeErr := s.db.Close()
	if dropErr != nil {
		return errors.Wrap(dropErr, "mysql: drop session rows")
	}
	return closeErr
}

// writeTx runs fn in a transaction that has already claimed the next
// version from the sequence row.
func (s *Store) writeTx(ctx context.Context, fn func(tx *sql.Tx, version metadata.Version) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	version, err := nextVersion(ctx, tx, s.st.nextVersion)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := fn(tx, version); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// mapWriteErr passes store sentinels through, turns lost lock races into
// lost, and wraps everything else.
func (s *Store) mapWriteErr(err, lost error, op, key string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, metadata.ErrVersionMismatch) || errors.Is(err, metadata.ErrTxnConflict) {
		return err
	}
	var myErr *mysqldriver.MySQLError
	if errors.As(err, &myErr) && (myErr.Number == errLockDeadlock || myErr.Number == errLockWaitTimeout) {
		return lost
	}
	if key == "" {
		return errors.Wrapf(err, "mysql: %s", op)
	}
	return errors.Wrapf(err, "mysql: %s %s", op, key)
}

func (s *Store) keepalive() {
	defer close(s.done)

	interval := s.ttl / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), interval)
		if _, err := s.db.ExecContext(ctx, s.st.renewSession, s.ttl.Milliseconds(), s.session); err != nil {
			logging.Warnf("mysql: renew ephemeral rows failed", map[string]any{
				"session": s.session,
				"error":   err.Error(),
			})
		}
		if res, err := s.db.ExecContext(ctx, s.st.sweepExpired); err != nil {
			logging.Warnf("mysql: sweep expired rows failed", map[string]any{
				"error": err.Error(),
			})
		} else if n, _ := res.RowsAffected(); n > 0 {
			logging.Debugf("mysql: swept expired rows", map[string]any{
				"rows": n,
			})
		}
		cancel()
	}
}

func nextVersion(ctx context.Context, tx execer, stmt string) (metadata.Version, error) {
	res, err := tx.ExecContext(ctx, stmt)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return metadata.Version(id), nil
}

func readRow(ctx context.Context, q querier, stmt, key string) ([]byte, metadata.Version, bool, error) {
	var (
		value   []byte
		version int64
	)
	err := q.QueryRowContext(ctx, stmt, key).Scan(&value, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, err
	}
	return value, metadata.Version(version), true, nil
}

// versionMatches applies the CAS rule: expected 0 means the key must be
// absent, anything else must equal the current version.
func versionMatches(current metadata.Version, exists bool, expected metadata.Version) bool {
	if expected == 0 {
		return !exists
	}
	return exists && current == expected
}

// nonNil keeps empty values out of a NOT NULL column.
func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

// prefixEnd returns the smallest key greater than every key with the given
// prefix, or "" when no such key exists.
func prefixEnd(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xFF {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}
