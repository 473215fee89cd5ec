package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fishmmo/zonegrid/internal/metadata"
	"github.com/fishmmo/zonegrid/internal/metadata/keys"
)

// mockClock implements Clock for testing.
type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func newMockClock() *mockClock {
	return &mockClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (m *mockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *mockClock) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

func (m *mockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

func newTestRegistry(t *testing.T) (*Registry, *metadata.MockStore, *mockClock) {
	t.Helper()
	store := metadata.NewMockStore()
	clock := newMockClock()
	return New(store, Config{Clock: clock}), store, clock
}

func addScene(t *testing.T, reg *Registry, name string) string {
	t.Helper()
	id, err := reg.AddServer(context.Background(), ServerSpec{
		Kind:    KindScene,
		Name:    name,
		Address: "10.0.0.1",
		Port:    7777,
	})
	require.NoError(t, err)
	return id
}

func TestAddServerAndGet(t *testing.T) {
	reg, _, clock := newTestRegistry(t)
	ctx := context.Background()

	id := addScene(t, reg, "scene-a")
	rec, err := reg.GetServer(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, KindScene, rec.Kind)
	assert.Equal(t, "scene-a", rec.Name)
	assert.Equal(t, uint16(7777), rec.Port)
	assert.Equal(t, clock.Now().UnixMilli(), rec.LastPulseMs)
	assert.Equal(t, clock.Now().UnixMilli(), rec.StartedAtMs)

	_, err = reg.GetServer(ctx, "missing")
	assert.ErrorIs(t, err, ErrServerNotFound)
}

func TestAddServerValidation(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.AddServer(ctx, ServerSpec{Kind: "bogus"})
	assert.ErrorIs(t, err, ErrInvalidRecord)

	_, err = reg.AddServer(ctx, ServerSpec{Kind: KindWorld})
	assert.ErrorIs(t, err, ErrInvalidRecord, "world servers need a world id")

	_, err = reg.AddServer(ctx, ServerSpec{Kind: KindScene, ID: "a/b"})
	assert.ErrorIs(t, err, ErrInvalidRecord)
}

func TestAddServerReusesID(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	id, err := reg.AddServer(ctx, ServerSpec{ID: "fixed", Kind: KindWorld, WorldID: "w1"})
	require.NoError(t, err)
	assert.Equal(t, "fixed", id)

	require.NoError(t, reg.DeleteServer(ctx, id))
	again, err := reg.AddServer(ctx, ServerSpec{ID: "fixed", Kind: KindWorld, WorldID: "w1"})
	require.NoError(t, err)
	assert.Equal(t, id, again)
}

func TestPulseServerMonotonic(t *testing.T) {
	reg, _, clock := newTestRegistry(t)
	ctx := context.Background()
	id := addScene(t, reg, "s")

	clock.Advance(5 * time.Second)
	require.NoError(t, reg.PulseServer(ctx, id, 12))
	rec, _ := reg.GetServer(ctx, id)
	pulsed := rec.LastPulseMs
	assert.Equal(t, 12, rec.CharacterCount)

	// A clock that steps backwards must not move LastPulse backwards.
	clock.Advance(-3 * time.Second)
	require.NoError(t, reg.PulseServer(ctx, id, 4))
	rec, _ = reg.GetServer(ctx, id)
	assert.Equal(t, pulsed, rec.LastPulseMs)
	assert.Equal(t, 4, rec.CharacterCount)
}

func TestPulseServerNotFound(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	err := reg.PulseServer(context.Background(), "ghost", 1)
	assert.ErrorIs(t, err, ErrServerNotFound)
}

func TestListAndDeleteServers(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	addScene(t, reg, "dup")
	addScene(t, reg, "dup")
	_, err := reg.AddServer(ctx, ServerSpec{Kind: KindWorld, Name: "world", WorldID: "w1"})
	require.NoError(t, err)

	scenes, err := reg.ListServers(ctx, KindScene)
	require.NoError(t, err)
	assert.Len(t, scenes, 2)

	all, err := reg.ListServers(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	n, err := reg.DeleteServerByName(ctx, "dup")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	all, _ = reg.ListServers(ctx, "")
	require.Len(t, all, 1)
	assert.Equal(t, KindWorld, all[0].Kind)

	// Idempotent.
	require.NoError(t, reg.DeleteServer(ctx, "never-existed"))
}

func TestSetServerLocked(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()
	id := addScene(t, reg, "s")

	require.NoError(t, reg.SetServerLocked(ctx, id, true))
	rec, _ := reg.GetServer(ctx, id)
	assert.True(t, rec.Locked)

	assert.ErrorIs(t, reg.SetServerLocked(ctx, "ghost", true), ErrServerNotFound)
}

func TestLoadedRecordsSkipMalformed(t *testing.T) {
	reg, store, _ := newTestRegistry(t)
	ctx := context.Background()
	addScene(t, reg, "ok")

	_, err := store.Put(ctx, keys.ServerKeyPath("broken"), []byte("{not json"))
	require.NoError(t, err)

	servers, err := reg.ListServers(ctx, "")
	require.NoError(t, err)
	assert.Len(t, servers, 1)
}
