package oxia

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fishmmo/zonegrid/internal/metadata"
	"github.com/fishmmo/zonegrid/internal/metadata/keys"
)

// These tests start an embedded Oxia server. Set ZONEGRID_TEST_OXIA_ADDRESS
// to run them against an external one.

func TestIntegration_GetPutCAS(t *testing.T) {
	store := newTestStore(t, 0)
	ctx := context.Background()
	key := keys.ServerKeyPath("srv-1")

	if res, err := store.Get(ctx, key); err != nil || res.Exists {
		t.Fatalf("Get before put = %+v, %v", res, err)
	}

	v1, err := store.Put(ctx, key, []byte("a"), metadata.WithExpectedVersion(0))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if v1 < 1 {
		t.Errorf("first version = %d, want >= 1", v1)
	}
	if _, err := store.Put(ctx, key, []byte("dup"), metadata.WithExpectedVersion(0)); !errors.Is(err, metadata.ErrVersionMismatch) {
		t.Errorf("second insert-if-absent = %v, want ErrVersionMismatch", err)
	}

	v2, err := store.Put(ctx, key, []byte("b"), metadata.WithExpectedVersion(v1))
	if err != nil {
		t.Fatalf("CAS update: %v", err)
	}
	if _, err := store.Put(ctx, key, []byte("c"), metadata.WithExpectedVersion(v1)); !errors.Is(err, metadata.ErrVersionMismatch) {
		t.Errorf("stale CAS = %v, want ErrVersionMismatch", err)
	}

	res, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(res.Value) != "b" || res.Version != v2 {
		t.Errorf("Get = %q@%d, want b@%d", res.Value, res.Version, v2)
	}

	if err := store.Delete(ctx, key, metadata.WithDeleteExpectedVersion(v1)); !errors.Is(err, metadata.ErrVersionMismatch) {
		t.Errorf("stale delete = %v", err)
	}
	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := store.Delete(ctx, key); err != nil {
		t.Errorf("Delete should be idempotent, got %v", err)
	}
}

// Instance rows sit four levels below the world prefix; listing the world
// must return all of them and nothing from a sibling world.
func TestIntegration_ListDeepPrefix(t *testing.T) {
	store := newTestStore(t, 0)
	ctx := context.Background()

	want := []string{
		instanceKey(t, "w1", "Cave", "srv-2", 1),
		instanceKey(t, "w1", "Forest", "srv-1", 2),
		instanceKey(t, "w1", "Forest", "srv-2", 3),
	}
	for _, k := range want {
		if _, err := store.Put(ctx, k, []byte("x")); err != nil {
			t.Fatalf("Put %s: %v", k, err)
		}
	}
	if _, err := store.Put(ctx, instanceKey(t, "w10", "Forest", "srv-1", 4), []byte("x")); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Put(ctx, keys.RequestKeyPath("w1", "Forest"), []byte("x")); err != nil {
		t.Fatal(err)
	}

	kvs, err := store.List(ctx, keys.WorldInstancesPrefix("w1"), "", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(kvs) != len(want) {
		t.Fatalf("List returned %d rows, want %d: %+v", len(kvs), len(want), kvs)
	}
	for i, kv := range kvs {
		if kv.Key != want[i] {
			t.Errorf("row %d = %q, want %q", i, kv.Key, want[i])
		}
	}

	limited, err := store.List(ctx, keys.WorldInstancesPrefix("w1"), "", 2)
	if err != nil {
		t.Fatalf("List with limit: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("limited List returned %d rows", len(limited))
	}
}

// A request completion removes the request row and publishes the instance
// in one transaction.
func TestIntegration_TxnCompletesRequest(t *testing.T) {
	store := newTestStore(t, 0)
	ctx := context.Background()

	reqKey := keys.RequestKeyPath("w1", "Forest")
	instKey := instanceKey(t, "w1", "Forest", "srv-1", 9)

	reqVersion, err := store.Put(ctx, reqKey, []byte("loading"))
	if err != nil {
		t.Fatal(err)
	}

	err = store.Txn(ctx, reqKey, func(txn metadata.Txn) error {
		txn.DeleteWithVersion(reqKey, reqVersion)
		txn.Put(instKey, []byte("ready"))
		return nil
	})
	if err != nil {
		t.Fatalf("Txn: %v", err)
	}

	if res, _ := store.Get(ctx, reqKey); res.Exists {
		t.Error("request row should be gone")
	}
	if res, _ := store.Get(ctx, instKey); !res.Exists || string(res.Value) != "ready" {
		t.Errorf("instance row = %+v", res)
	}
}

func TestIntegration_TxnConflictRollsBack(t *testing.T) {
	store := newTestStore(t, 0)
	ctx := context.Background()

	reqKey := keys.RequestKeyPath("w1", "Cave")
	instKey := instanceKey(t, "w1", "Cave", "srv-1", 1)

	// The request vanished before completion.
	err := store.Txn(ctx, reqKey, func(txn metadata.Txn) error {
		txn.DeleteWithVersion(reqKey, 3)
		txn.Put(instKey, []byte("ready"))
		return nil
	})
	if !errors.Is(err, metadata.ErrTxnConflict) {
		t.Fatalf("missing request = %v, want ErrTxnConflict", err)
	}
	if res, _ := store.Get(ctx, instKey); res.Exists {
		t.Error("instance must not be published for a vanished request")
	}

	// The request moved on; the put that succeeded is undone.
	v, err := store.Put(ctx, reqKey, []byte("pending"))
	if err != nil {
		t.Fatal(err)
	}
	err = store.Txn(ctx, reqKey, func(txn metadata.Txn) error {
		txn.Put(instKey, []byte("ready"))
		txn.PutWithVersion(reqKey, []byte("failed"), v+1)
		return nil
	})
	if !errors.Is(err, metadata.ErrTxnConflict) {
		t.Fatalf("stale version = %v, want ErrTxnConflict", err)
	}
	if res, _ := store.Get(ctx, instKey); res.Exists {
		t.Errorf("instance should be rolled back, got %q", res.Value)
	}
	if res, _ := store.Get(ctx, reqKey); string(res.Value) != "pending" {
		t.Errorf("request = %q, want pending", res.Value)
	}
}

func TestIntegration_TxnReadsAreStable(t *testing.T) {
	store := newTestStore(t, 0)
	ctx := context.Background()
	key := keys.CharacterSceneKeyPath(42)

	if _, err := store.Put(ctx, key, []byte("Forest")); err != nil {
		t.Fatal(err)
	}

	err := store.Txn(ctx, key, func(txn metadata.Txn) error {
		first, _, err := txn.Get(key)
		if err != nil {
			return err
		}
		if _, err := store.Put(ctx, key, []byte("Cave")); err != nil {
			return err
		}
		second, _, err := txn.Get(key)
		if err != nil {
			return err
		}
		if string(first) != string(second) {
			t.Errorf("reads within a txn differ: %q then %q", first, second)
		}
		txn.Put(key, []byte("Desert"))
		return nil
	})
	if !errors.Is(err, metadata.ErrTxnConflict) {
		t.Errorf("write after concurrent change = %v, want ErrTxnConflict", err)
	}
}

func TestIntegration_EphemeralExpires(t *testing.T) {
	addr := startTestServer(t)
	cfg := Config{
		ServiceAddress: addr,
		Namespace:      "default",
		RequestTimeout: 10 * time.Second,
		SessionTimeout: 2 * time.Second,
	}

	owner, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	observer := newTestStoreAt(t, cfg)

	ctx := context.Background()
	key := keys.LeaseKeyPath(keys.ReaperLease)
	if _, err := owner.PutEphemeral(ctx, key, []byte("reaper-a"), metadata.WithEphemeralExpectNotExists()); err != nil {
		t.Fatalf("PutEphemeral: %v", err)
	}
	if _, err := observer.PutEphemeral(ctx, key, []byte("reaper-b"), metadata.WithEphemeralExpectNotExists()); !errors.Is(err, metadata.ErrVersionMismatch) {
		t.Errorf("second holder = %v, want ErrVersionMismatch", err)
	}

	_ = owner.Close()

	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		res, err := observer.Get(ctx, key)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if !res.Exists {
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatal("ephemeral lease survived its session")
}

func TestIntegration_Notifications(t *testing.T) {
	store := newTestStore(t, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := store.Notifications(ctx)
	if err != nil {
		t.Fatalf("Notifications: %v", err)
	}
	defer stream.Close()

	key := instanceKey(t, "w1", "Forest", "srv-1", 5)
	go func() {
		time.Sleep(100 * time.Millisecond)
		_, _ = store.Put(context.Background(), key, []byte("ready"))
	}()

	n, err := stream.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if n.Key != key {
		t.Errorf("notification key = %q, want %q", n.Key, key)
	}
	if n.Deleted || n.Version < 1 {
		t.Errorf("unexpected notification %+v", n)
	}
}

func newTestStoreAt(t *testing.T, cfg Config) *Store {
	t.Helper()
	store, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func instanceKey(t *testing.T, world, scene, server string, handle int64) string {
	t.Helper()
	k, err := keys.InstanceKeyPath(world, scene, server, handle)
	if err != nil {
		t.Fatal(err)
	}
	return k
}
