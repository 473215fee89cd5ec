package oxia

import (
	"context"
	"errors"
	"fmt"

	"github.com/oxia-db/oxia/common/proto"
	oxiaclient "github.com/oxia-db/oxia/oxia"

	"github.com/fishmmo/zonegrid/internal/metadata"
)

// transaction implements metadata.Txn for Oxia.
//
// Writes are buffered and sent to the partition's shard as one
// WriteRequest on commit. Every write carries an expected version: the one
// the caller supplied, or else the one seen when the key was first read in
// this transaction. Oxia applies the batch operation by operation, so when
// any write is rejected the ones that landed are undone with compensating
// writes and the caller sees ErrTxnConflict.
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
	del   bool
	key   string
	value []byte
	// conditional ops use expected; the others use the first read.
	conditional bool
	expected    metadata.Version
}

// plannedOp is an op resolved against the state it was read at.
type plannedOp struct {
	txnOp
	pre       txnRead
	versionID int64
	// index into the request's Puts or Deletes.
	index int
}

func (t *transaction) Get(key string) ([]byte, metadata.Version, error) {
	read, err := t.readState(key)
	if err != nil {
		return nil, 0, err
	}
	if !read.exists {
		return nil, 0, metadata.ErrKeyNotFound
	}
	return read.value, read.version, nil
}

func (t *transaction) Put(key string, value []byte) {
	t.ops = append(t.ops, txnOp{key: key, value: value})
}

func (t *transaction) PutWithVersion(key string, value []byte, expectedVersion metadata.Version) {
	t.ops = append(t.ops, txnOp{key: key, value: value, conditional: true, expected: expectedVersion})
}

func (t *transaction) Delete(key string) {
	t.ops = append(t.ops, txnOp{del: true, key: key})
}

func (t *transaction) DeleteWithVersion(key string, expectedVersion metadata.Version) {
	t.ops = append(t.ops, txnOp{del: true, key: key, conditional: true, expected: expectedVersion})
}

// readState returns the first observed state of key in this transaction.
func (t *transaction) readState(key string) (txnRead, error) {
	if read, ok := t.reads[key]; ok {
		return read, nil
	}

	_, value, version, err := t.store.client.Get(t.ctx, encodeKey(key), oxiaclient.PartitionKey(t.store.config.PartitionKey))
	var read txnRead
	switch {
	case errors.Is(err, oxiaclient.ErrKeyNotFound):
	case err != nil:
		return txnRead{}, fmt.Errorf("oxia: txn read %s: %w", key, err)
	default:
		read = txnRead{value: value, version: oxiaToMetadataVersion(version.VersionId), exists: true}
	}
	t.reads[key] = read
	return read, nil
}

// expectedVersionID maps a metadata version to Oxia's, where 0 means the
// key must not exist.
func expectedVersionID(v metadata.Version) int64 {
	if v == 0 {
		return oxiaclient.VersionIdNotExists
	}
	return metadataToOxiaVersion(v)
}

// plan resolves every buffered op. Unconditional deletes of missing keys
// are dropped; a conditional delete of a key that has since vanished is a
// conflict.
func (t *transaction) plan() (puts, deletes []plannedOp, err error) {
	for _, op := range t.ops {
		pre, err := t.readState(op.key)
		if err != nil {
			return nil, nil, err
		}
		p := plannedOp{txnOp: op, pre: pre}

		expected := pre.version
		if op.conditional {
			expected = op.expected
		}
		if !op.del {
			p.versionID = expectedVersionID(expected)
			p.index = len(puts)
			puts = append(puts, p)
			continue
		}

		if !pre.exists {
			if op.conditional && op.expected != 0 {
				return nil, nil, metadata.ErrTxnConflict
			}
			continue
		}
		p.versionID = expectedVersionID(expected)
		p.index = len(deletes)
		deletes = append(deletes, p)
	}
	return puts, deletes, nil
}

func (t *transaction) commit() error {
	if len(t.ops) == 0 {
		return nil
	}
	puts, deletes, err := t.plan()
	if err != nil {
		return err
	}
	if len(puts) == 0 && len(deletes) == 0 {
		return nil
	}

	partitionKey := t.store.config.PartitionKey
	req := &proto.WriteRequest{
		Puts:    make([]*proto.PutRequest, 0, len(puts)),
		Deletes: make([]*proto.DeleteRequest, 0, len(deletes)),
	}
	for _, p := range puts {
		req.Puts = append(req.Puts, &proto.PutRequest{
			Key:               encodeKey(p.key),
			Value:             p.value,
			ExpectedVersionId: &p.versionID,
			PartitionKey:      &partitionKey,
		})
	}
	for _, p := range deletes {
		req.Deletes = append(req.Deletes, &proto.DeleteRequest{
			Key:               encodeKey(p.key),
			ExpectedVersionId: &p.versionID,
		})
	}

	resp, err := t.store.writer.write(t.ctx, req)
	if err != nil {
		return fmt.Errorf("oxia: transaction commit: %w", err)
	}
	if len(resp.Puts) != len(puts) || len(resp.Deletes) != len(deletes) {
		return errors.New("oxia: transaction commit response mismatch")
	}

	undo, conflict, err := compensate(resp, puts, deletes, partitionKey)
	if err != nil || !conflict {
		return err
	}
	if undo != nil {
		if _, err := t.store.writer.write(t.ctx, undo); err != nil {
			return fmt.Errorf("%w: rollback failed: %v", metadata.ErrTxnConflict, err)
		}
	}
	return metadata.ErrTxnConflict
}

// compensate reports whether any write was rejected and, if so, builds the
// writes that restore the keys whose writes did land. Each compensating
// write is itself conditional on the version the batch produced, so a
// concurrent writer that got in between is never overwritten.
func compensate(resp *proto.WriteResponse, puts, deletes []plannedOp, partitionKey string) (*proto.WriteRequest, bool, error) {
	conflict := false
	for _, p := range puts {
		conflict = conflict || resp.Puts[p.index].Status != proto.Status_OK
	}
	for _, p := range deletes {
		conflict = conflict || resp.Deletes[p.index].Status != proto.Status_OK
	}
	if !conflict {
		return nil, false, nil
	}

	undo := &proto.WriteRequest{}
	for _, p := range puts {
		r := resp.Puts[p.index]
		if r.Status != proto.Status_OK {
			continue
		}
		if r.Version == nil {
			return nil, true, errors.New("oxia: transaction commit returned empty version")
		}
		written := r.Version.VersionId
		if p.pre.exists {
			undo.Puts = append(undo.Puts, &proto.PutRequest{
				Key:               encodeKey(p.key),
				Value:             p.pre.value,
				ExpectedVersionId: &written,
				PartitionKey:      &partitionKey,
			})
		} else {
			undo.Deletes = append(undo.Deletes, &proto.DeleteRequest{
				Key:               encodeKey(p.key),
				ExpectedVersionId: &written,
			})
		}
	}
	for _, p := range deletes {
		if resp.Deletes[p.index].Status != proto.Status_OK {
			continue
		}
		absent := oxiaclient.VersionIdNotExists
		undo.Puts = append(undo.Puts, &proto.PutRequest{
			Key:               encodeKey(p.key),
			Value:             p.pre.value,
			ExpectedVersionId: &absent,
			PartitionKey:      &partitionKey,
		})
	}

	if len(undo.Puts) == 0 && len(undo.Deletes) == 0 {
		return nil, true, nil
	}
	return undo, true, nil
}
