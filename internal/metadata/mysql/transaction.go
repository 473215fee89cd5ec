package mysql

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/fishmmo/zonegrid/internal/metadata"
)

// transaction buffers writes until commit. Conditions are checked under
// row locks inside the commit transaction; any failed condition aborts the
// whole batch with ErrTxnConflict.
type transaction struct {
	store *Store
	ctx   context.Context

	ops   []txnOp
	reads map[string]txnRead
}

type txnRead struct {
	value   []byte
	version metadata.Version
	exists  bool
}

type txnOp struct {
	key      string
	value    []byte
	delete   bool
	expected *metadata.Version
}

var _ metadata.Txn = (*transaction)(nil)

// Get reads through to the database once per key.
func (t *transaction) Get(key string) ([]byte, metadata.Version, error) {
	read, ok := t.reads[key]
	if !ok {
		value, version, exists, err := readRow(t.ctx, t.store.db, t.store.st.selectRow, key)
		if err != nil {
			return nil, 0, errors.Wrapf(err, "mysql: txn read %s", key)
		}
		read = txnRead{value: value, version: version, exists: exists}
		t.reads[key] = read
	}
	if !read.exists {
		return nil, 0, metadata.ErrKeyNotFound
	}
	return read.value, read.version, nil
}

func (t *transaction) Put(key string, value []byte) {
	t.ops = append(t.ops, txnOp{key: key, value: value, expected: t.readVersion(key)})
}

func (t *transaction) PutWithVersion(key string, value []byte, expectedVersion metadata.Version) {
	t.ops = append(t.ops, txnOp{key: key, value: value, expected: &expectedVersion})
}

func (t *transaction) Delete(key string) {
	t.ops = append(t.ops, txnOp{key: key, delete: true, expected: t.readVersion(key)})
}

func (t *transaction) DeleteWithVersion(key string, expectedVersion metadata.Version) {
	t.ops = append(t.ops, txnOp{key: key, delete: true, expected: &expectedVersion})
}

// readVersion pins an unconditional write to the version Get observed, so
// read-modify-write through the Txn cannot clobber a concurrent change.
func (t *transaction) readVersion(key string) *metadata.Version {
	read, ok := t.reads[key]
	if !ok {
		return nil
	}
	v := read.version
	if !read.exists {
		v = 0
	}
	return &v
}

// apply checks every condition, then writes. Later ops on the same key see
// the effect of earlier ones.
func (t *transaction) apply(tx *sql.Tx, version metadata.Version) error {
	st := t.store.st
	type state struct {
		version metadata.Version
		exists  bool
	}
	seen := make(map[string]state)

	for _, op := range t.ops {
		cur, ok := seen[op.key]
		if !ok {
			_, v, exists, err := readRow(t.ctx, tx, st.lockRow, op.key)
			if err != nil {
				return err
			}
			cur = state{version: v, exists: exists}
		}
		if op.expected != nil && !versionMatches(cur.version, cur.exists, *op.expected) {
			return metadata.ErrTxnConflict
		}
		if op.delete {
			seen[op.key] = state{}
		} else {
			seen[op.key] = state{version: version, exists: true}
		}
	}

	for _, op := range t.ops {
		var err error
		if op.delete {
			_, err = tx.ExecContext(t.ctx, st.deleteRow, op.key)
		} else {
			_, err = tx.ExecContext(t.ctx, st.upsertRow, op.key, nonNil(op.value), int64(version), nil, nil)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
