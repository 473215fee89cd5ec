package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func instance(serverID, scene string, handle int64, count int) SceneInstanceRecord {
	return SceneInstanceRecord{
		OwningServerID: serverID,
		WorldID:        "w1",
		SceneName:      scene,
		SceneHandle:    handle,
		CharacterCount: count,
	}
}

func TestGetCandidatesFiltersByCapacity(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()
	srv := addScene(t, reg, "s")

	require.NoError(t, reg.AddInstance(ctx, instance(srv, "Forest", 1, 99)))
	require.NoError(t, reg.AddInstance(ctx, instance(srv, "Forest", 2, 100)))
	require.NoError(t, reg.AddInstance(ctx, instance(srv, "Forest", 3, 150)))
	require.NoError(t, reg.AddInstance(ctx, instance(srv, "Desert", 4, 0)))

	cands, err := reg.GetCandidates(ctx, "w1", "Forest", 100)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, int64(1), cands[0].Instance.SceneHandle)
	assert.Equal(t, srv, cands[0].Server.ID)
	assert.Equal(t, 1, cands[0].Free(100))

	for _, c := range cands {
		assert.Less(t, c.Instance.CharacterCount, 100)
	}
}

func TestGetCandidatesExcludesLockedAndMissingOwners(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()
	locked := addScene(t, reg, "locked")
	open := addScene(t, reg, "open")

	require.NoError(t, reg.AddInstance(ctx, instance(locked, "Forest", 1, 0)))
	require.NoError(t, reg.AddInstance(ctx, instance(open, "Forest", 2, 0)))
	require.NoError(t, reg.AddInstance(ctx, instance("departed", "Forest", 3, 0)))
	require.NoError(t, reg.SetServerLocked(ctx, locked, true))

	cands, err := reg.GetCandidates(ctx, "w1", "Forest", 100)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, open, cands[0].Server.ID)
}

func TestGetCandidatesOtherWorldIsolated(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()
	srv := addScene(t, reg, "s")

	other := instance(srv, "Forest", 1, 0)
	other.WorldID = "w2"
	require.NoError(t, reg.AddInstance(ctx, other))

	cands, err := reg.GetCandidates(ctx, "w1", "Forest", 100)
	require.NoError(t, err)
	assert.Empty(t, cands)
}

// Pulsing the same count repeatedly must not change placement decisions.
func TestPulseInstanceIdempotent(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()
	srv := addScene(t, reg, "s")
	require.NoError(t, reg.AddInstance(ctx, instance(srv, "Forest", 7, 0)))

	require.NoError(t, reg.PulseInstance(ctx, "w1", "Forest", srv, 7, 99))
	first, err := reg.GetCandidates(ctx, "w1", "Forest", 100)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, reg.PulseInstance(ctx, "w1", "Forest", srv, 7, 99))
		require.NoError(t, reg.PulseServer(ctx, srv, 99))
	}
	again, err := reg.GetCandidates(ctx, "w1", "Forest", 100)
	require.NoError(t, err)

	require.Len(t, first, 1)
	require.Len(t, again, 1)
	assert.Equal(t, first[0].Instance.CharacterCount, again[0].Instance.CharacterCount)
	assert.Equal(t, 99, again[0].Instance.CharacterCount)

	insts, _ := reg.ListInstances(ctx, "w1")
	total := 0
	for _, inst := range insts {
		total += inst.CharacterCount
	}
	assert.Equal(t, 99, total)
}

func TestPulseInstanceErrors(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	err := reg.PulseInstance(ctx, "w1", "Forest", "srv", 1, 3)
	assert.ErrorIs(t, err, ErrInstanceNotFound)

	err = reg.PulseInstance(ctx, "w1", "Forest", "srv", 1, -1)
	assert.ErrorIs(t, err, ErrInvalidRecord)
}

func TestReplaceInstancesMirrorsLocalSet(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()
	srv := addScene(t, reg, "s")
	other := addScene(t, reg, "other")

	require.NoError(t, reg.AddInstance(ctx, instance(srv, "Forest", 1, 5)))
	require.NoError(t, reg.AddInstance(ctx, instance(srv, "Cave", 2, 5)))
	require.NoError(t, reg.AddInstance(ctx, instance(other, "Forest", 9, 1)))

	local := []SceneInstanceRecord{
		instance(srv, "Forest", 1, 8),
		instance(srv, "Desert", 3, 0),
	}
	require.NoError(t, reg.ReplaceInstances(ctx, srv, local))

	insts, err := reg.ListInstances(ctx, "w1")
	require.NoError(t, err)

	got := map[int64]int{}
	for _, inst := range insts {
		got[inst.SceneHandle] = inst.CharacterCount
	}
	assert.Equal(t, map[int64]int{1: 8, 3: 0, 9: 1}, got)

	err = reg.ReplaceInstances(ctx, srv, []SceneInstanceRecord{instance(other, "Forest", 9, 1)})
	assert.ErrorIs(t, err, ErrInvalidRecord)
}

func TestReplaceInstancesEmptyClearsServer(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()
	srv := addScene(t, reg, "s")

	require.NoError(t, reg.AddInstance(ctx, instance(srv, "Forest", 1, 5)))
	require.NoError(t, reg.ReplaceInstances(ctx, srv, nil))

	insts, err := reg.ListInstances(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, insts)
}

// After a graceful shutdown nothing references the worker.
func TestShutdownRemovesServerAndInstances(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()
	srv := addScene(t, reg, "s")
	survivor := addScene(t, reg, "t")

	require.NoError(t, reg.AddInstance(ctx, instance(srv, "Forest", 1, 0)))
	require.NoError(t, reg.AddInstance(ctx, instance(srv, "Forest", 2, 10)))
	require.NoError(t, reg.AddInstance(ctx, instance(survivor, "Forest", 3, 0)))

	n, err := reg.RemoveInstancesForServer(ctx, srv)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.NoError(t, reg.DeleteServer(ctx, srv))

	_, err = reg.GetServer(ctx, srv)
	assert.ErrorIs(t, err, ErrServerNotFound)

	insts, _ := reg.ListInstances(ctx, "")
	for _, inst := range insts {
		assert.NotEqual(t, srv, inst.OwningServerID)
	}

	cands, err := reg.GetCandidates(ctx, "w1", "Forest", 100)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, survivor, cands[0].Server.ID)
}

func TestRemoveInstance(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()
	srv := addScene(t, reg, "s")

	require.NoError(t, reg.AddInstance(ctx, instance(srv, "Forest", 1, 0)))
	require.NoError(t, reg.RemoveInstance(ctx, "w1", "Forest", srv, 1))
	require.NoError(t, reg.RemoveInstance(ctx, "w1", "Forest", srv, 1))

	insts, _ := reg.ListSceneInstances(ctx, "w1", "Forest")
	assert.Empty(t, insts)
}

func TestAddInstanceValidation(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	assert.ErrorIs(t, reg.AddInstance(ctx, instance("", "Forest", 1, 0)), ErrInvalidRecord)
	assert.ErrorIs(t, reg.AddInstance(ctx, instance("s", "For/est", 1, 0)), ErrInvalidRecord)
	assert.ErrorIs(t, reg.AddInstance(ctx, instance("s", "Forest", 1, -2)), ErrInvalidRecord)
}
