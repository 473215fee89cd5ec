package scene

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fishmmo/zonegrid/internal/metadata"
	"github.com/fishmmo/zonegrid/internal/registry"
)

type countingRecorder struct {
	mu         sync.Mutex
	instances  int
	characters int
	claims     int
	loadsOK    int
	loadsFail  int
	bindsOK    int
	bindsFail  int
}

func (r *countingRecorder) SetInstances(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances = n
}

func (r *countingRecorder) SetCharacters(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.characters = n
}

func (r *countingRecorder) SetLoadsInFlight(int) {}

func (r *countingRecorder) RecordClaim() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.claims++
}

func (r *countingRecorder) RecordLoad(_ float64, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ok {
		r.loadsOK++
	} else {
		r.loadsFail++
	}
}

func (r *countingRecorder) RecordBind(ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ok {
		r.bindsOK++
	} else {
		r.bindsFail++
	}
}

func newTestRegistry() *registry.Registry {
	return registry.New(metadata.NewMockStore(), registry.Config{})
}

func newTestWorker(t *testing.T, reg *registry.Registry, loader Loader, mutate func(*Config)) (*Worker, *countingRecorder) {
	t.Helper()
	rec := &countingRecorder{}
	cfg := Config{
		Name:               "scene-a",
		Address:            "10.0.2.1",
		Port:               7781,
		MaxConcurrentLoads: 4,
		LoadTimeout:        time.Second,
		Metrics:            rec,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	w := New(reg, loader, cfg)
	require.NoError(t, w.Register(context.Background()))
	return w, rec
}

func enqueue(t *testing.T, reg *registry.Registry, world, scene string) {
	t.Helper()
	_, err := reg.Requests.Enqueue(context.Background(), world, scene)
	require.NoError(t, err)
}

func TestProvisionPublishesInstance(t *testing.T) {
	reg := newTestRegistry()
	ctx := context.Background()
	w, rec := newTestWorker(t, reg, NewStaticLoader(nil), nil)
	enqueue(t, reg, "w1", "Forest")

	n, err := w.Provision(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	w.loads.Wait()

	insts := w.Instances()
	require.Len(t, insts, 1)
	assert.Equal(t, "Forest", insts[0].SceneName)
	assert.Equal(t, int64(1), insts[0].Handle)
	assert.Equal(t, 0, insts[0].Characters)

	published, err := reg.ListSceneInstances(ctx, "w1", "Forest")
	require.NoError(t, err)
	require.Len(t, published, 1)
	assert.Equal(t, w.ID(), published[0].OwningServerID)
	assert.Equal(t, 0, published[0].CharacterCount)

	exists, err := reg.Requests.Exists(ctx, "w1", "Forest")
	require.NoError(t, err)
	assert.False(t, exists, "a ready request leaves the queue")

	assert.Equal(t, 1, rec.claims)
	assert.Equal(t, 1, rec.loadsOK)
	assert.Equal(t, 1, rec.instances)

	// Nothing left to claim.
	n, err = w.Provision(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestProvisionServesAnyWorld(t *testing.T) {
	reg := newTestRegistry()
	w, _ := newTestWorker(t, reg, NewStaticLoader(nil), nil)
	enqueue(t, reg, "w1", "Forest")
	enqueue(t, reg, "w2", "Forest")

	n, err := w.Provision(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	w.loads.Wait()

	handles := map[string]int64{}
	for _, inst := range w.Instances() {
		handles[inst.WorldID] = inst.Handle
	}
	assert.Len(t, handles, 2)
	assert.NotEqual(t, handles["w1"], handles["w2"], "handles are unique per worker")
}

func TestProvisionLoadFailureMarksRequestFailed(t *testing.T) {
	reg := newTestRegistry()
	ctx := context.Background()
	w, rec := newTestWorker(t, reg, NewStaticLoader([]string{"Cave"}), nil)
	enqueue(t, reg, "w1", "Forest")

	_, err := w.Provision(ctx)
	require.NoError(t, err)
	w.loads.Wait()

	req, err := reg.Requests.Get(ctx, "w1", "Forest")
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, registry.StatusFailed, req.Status)
	assert.Equal(t, 1, req.Attempts)
	assert.Contains(t, req.LastError, "unknown scene")
	assert.Empty(t, w.Instances())
	assert.Equal(t, 1, rec.loadsFail)

	// Re-arming makes the request claimable again.
	outcome, err := reg.Requests.Enqueue(ctx, "w1", "Forest")
	require.NoError(t, err)
	assert.Equal(t, registry.EnqueueRearmed, outcome)
}

func TestProvisionLoadTimeout(t *testing.T) {
	reg := newTestRegistry()
	ctx := context.Background()
	blocking := LoaderFunc(func(ctx context.Context, _, _ string) (*Manifest, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	w, _ := newTestWorker(t, reg, blocking, func(c *Config) { c.LoadTimeout = 20 * time.Millisecond })
	enqueue(t, reg, "w1", "Forest")

	_, err := w.Provision(ctx)
	require.NoError(t, err)
	w.loads.Wait()

	req, err := reg.Requests.Get(ctx, "w1", "Forest")
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, registry.StatusFailed, req.Status)
	assert.Contains(t, req.LastError, "deadline")
}

func TestProvisionBoundedByMaxConcurrentLoads(t *testing.T) {
	reg := newTestRegistry()
	ctx := context.Background()
	release := make(chan struct{})
	gated := LoaderFunc(func(ctx context.Context, _, scene string) (*Manifest, error) {
		select {
		case <-release:
			return &Manifest{Name: scene}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	w, _ := newTestWorker(t, reg, gated, func(c *Config) { c.MaxConcurrentLoads = 2 })
	for _, s := range []string{"Cave", "Desert", "Forest"} {
		enqueue(t, reg, "w1", s)
	}

	n, err := w.Provision(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, w.LoadsInFlight())

	n, err = w.Provision(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "no free load slot")

	reqs, err := reg.Requests.List(ctx, "w1")
	require.NoError(t, err)
	pending := 0
	for _, r := range reqs {
		if r.Status == registry.StatusPending {
			pending++
		}
	}
	assert.Equal(t, 1, pending)

	close(release)
	w.loads.Wait()
	assert.Equal(t, 0, w.LoadsInFlight())

	n, err = w.Provision(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	w.loads.Wait()
	assert.Len(t, w.Instances(), 3)
}

func TestCompetingWorkersClaimOnce(t *testing.T) {
	reg := newTestRegistry()
	ctx := context.Background()
	workers := make([]*Worker, 4)
	for i := range workers {
		workers[i], _ = newTestWorker(t, reg, NewStaticLoader(nil), nil)
	}
	enqueue(t, reg, "w1", "Forest")

	var wg sync.WaitGroup
	var mu sync.Mutex
	claims := 0
	for _, w := range workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			n, err := w.Provision(ctx)
			assert.NoError(t, err)
			mu.Lock()
			claims += n
			mu.Unlock()
		}(w)
	}
	wg.Wait()
	for _, w := range workers {
		w.loads.Wait()
	}

	assert.Equal(t, 1, claims)
	published, err := reg.ListSceneInstances(ctx, "w1", "Forest")
	require.NoError(t, err)
	assert.Len(t, published, 1)
}

func provisionOne(t *testing.T, w *Worker, reg *registry.Registry, world, scene string) Instance {
	t.Helper()
	enqueue(t, reg, world, scene)
	n, err := w.Provision(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	w.loads.Wait()
	for _, inst := range w.Instances() {
		if inst.WorldID == world && inst.SceneName == scene {
			return inst
		}
	}
	t.Fatalf("instance %s/%s not loaded", world, scene)
	return Instance{}
}

func assign(t *testing.T, reg *registry.Registry, character int64, serverID string, inst Instance) {
	t.Helper()
	require.NoError(t, reg.Assignments.SetCharacterScene(context.Background(), registry.CharacterSceneAssignment{
		CharacterID: character,
		WorldID:     inst.WorldID,
		SceneName:   inst.SceneName,
		ServerID:    serverID,
		SceneHandle: inst.Handle,
	}))
}

func TestBindAndReleaseCharacter(t *testing.T) {
	reg := newTestRegistry()
	ctx := context.Background()
	w, rec := newTestWorker(t, reg, NewStaticLoader(nil), nil)
	inst := provisionOne(t, w, reg, "w1", "Forest")

	assign(t, reg, 10, w.ID(), inst)
	b, err := w.BindCharacter(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, inst.Handle, b.Handle)
	assert.Equal(t, "Forest", b.SceneName)
	assert.Equal(t, 1, w.Instances()[0].Characters)
	assert.Equal(t, 1, rec.characters)

	require.NoError(t, w.ReleaseCharacter(inst.Handle))
	require.NoError(t, w.ReleaseCharacter(inst.Handle))
	assert.Equal(t, 0, w.Instances()[0].Characters, "count never goes negative")
	assert.ErrorIs(t, w.ReleaseCharacter(99), ErrUnknownInstance)
}

func TestBindCharacterRejections(t *testing.T) {
	reg := newTestRegistry()
	ctx := context.Background()
	w, rec := newTestWorker(t, reg, NewStaticLoader(nil), nil)
	inst := provisionOne(t, w, reg, "w1", "Forest")

	_, err := w.BindCharacter(ctx, 1)
	assert.ErrorIs(t, err, registry.ErrAssignmentNotFound)

	assign(t, reg, 2, "someone-else", inst)
	_, err = w.BindCharacter(ctx, 2)
	assert.ErrorIs(t, err, ErrNotAssignedHere)

	stale := inst
	stale.Handle = 42
	assign(t, reg, 3, w.ID(), stale)
	_, err = w.BindCharacter(ctx, 3)
	assert.ErrorIs(t, err, ErrUnknownInstance)

	wrongWorld := inst
	wrongWorld.WorldID = "w2"
	assign(t, reg, 4, w.ID(), wrongWorld)
	_, err = w.BindCharacter(ctx, 4)
	assert.ErrorIs(t, err, ErrUnknownInstance)

	assert.Equal(t, 4, rec.bindsFail)
	assert.Equal(t, 0, w.Instances()[0].Characters)
}

func TestHeartbeatMirrorsLocalState(t *testing.T) {
	reg := newTestRegistry()
	ctx := context.Background()
	w, _ := newTestWorker(t, reg, NewStaticLoader(nil), nil)
	inst := provisionOne(t, w, reg, "w1", "Forest")

	for c := int64(1); c <= 3; c++ {
		assign(t, reg, c, w.ID(), inst)
		_, err := w.BindCharacter(ctx, c)
		require.NoError(t, err)
	}
	// An instance the worker no longer hosts.
	require.NoError(t, reg.AddInstance(ctx, registry.SceneInstanceRecord{
		OwningServerID: w.ID(), WorldID: "w1", SceneName: "Cave", SceneHandle: 77,
	}))

	require.NoError(t, w.Heartbeat(ctx))

	srv, err := reg.GetServer(ctx, w.ID())
	require.NoError(t, err)
	assert.Equal(t, 3, srv.CharacterCount)

	all, err := reg.ListInstances(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "Forest", all[0].SceneName)
	assert.Equal(t, 3, all[0].CharacterCount)
}

func TestHeartbeatReregistersAfterEviction(t *testing.T) {
	reg := newTestRegistry()
	ctx := context.Background()
	w, _ := newTestWorker(t, reg, NewStaticLoader(nil), nil)
	provisionOne(t, w, reg, "w1", "Forest")
	id := w.ID()

	_, err := reg.Evict(ctx, id)
	require.NoError(t, err)
	all, err := reg.ListInstances(ctx, "")
	require.NoError(t, err)
	require.Empty(t, all)

	require.NoError(t, w.Heartbeat(ctx))
	assert.Equal(t, id, w.ID())
	_, err = reg.GetServer(ctx, id)
	require.NoError(t, err)
	all, err = reg.ListInstances(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 1, "instances are republished after re-registration")
}

func TestHeartbeatBeforeRegister(t *testing.T) {
	w := New(newTestRegistry(), NewStaticLoader(nil), Config{})
	assert.ErrorIs(t, w.Heartbeat(context.Background()), ErrNotStarted)
	_, err := w.Provision(context.Background())
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestShutdownRemovesRegistryState(t *testing.T) {
	reg := newTestRegistry()
	ctx := context.Background()
	w, _ := newTestWorker(t, reg, NewStaticLoader(nil), func(c *Config) {
		c.PulseInterval = time.Hour
		c.ProvisionInterval = time.Hour
	})
	require.NoError(t, w.Start(ctx))
	provisionOne(t, w, reg, "w1", "Forest")
	provisionOne(t, w, reg, "w1", "Cave")
	id := w.ID()

	require.NoError(t, w.Shutdown(ctx))

	_, err := reg.GetServer(ctx, id)
	assert.ErrorIs(t, err, registry.ErrServerNotFound)
	all, err := reg.ListInstances(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Empty(t, w.Instances())
}

func TestShutdownSettlesInFlightLoads(t *testing.T) {
	reg := newTestRegistry()
	ctx := context.Background()
	blocking := LoaderFunc(func(ctx context.Context, _, _ string) (*Manifest, error) {
		<-ctx.Done()
		return nil, errors.New("load cancelled")
	})
	w, _ := newTestWorker(t, reg, blocking, func(c *Config) {
		c.PulseInterval = time.Hour
		c.ProvisionInterval = 10 * time.Millisecond
		c.LoadTimeout = time.Minute
	})
	enqueue(t, reg, "w1", "Forest")
	require.NoError(t, w.Start(ctx))

	require.Eventually(t, func() bool { return w.LoadsInFlight() == 1 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, w.Shutdown(ctx))

	req, err := reg.Requests.Get(ctx, "w1", "Forest")
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, registry.StatusFailed, req.Status, "a cancelled load releases its claim")
}
