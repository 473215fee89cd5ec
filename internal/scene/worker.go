// Package scene implements the zone-host worker. A worker registers itself
// in the registry, claims pending scene requests for any world, loads the
// scenes, publishes the resulting instances and keeps their character
// counts current with a heartbeat.
//
// The registry is the worker's only contact with brokers: a broker writes
// a character's assignment before redirecting it, and BindCharacter reads
// that assignment when the character arrives.
package scene

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fishmmo/zonegrid/internal/logging"
	"github.com/fishmmo/zonegrid/internal/registry"
)

var (
	// ErrNotAssignedHere is returned when a character's assignment names
	// another worker.
	ErrNotAssignedHere = errors.New("scene: character assigned to another server")

	// ErrUnknownInstance is returned for a handle this worker does not host.
	ErrUnknownInstance = errors.New("scene: unknown instance")

	// ErrNotStarted is returned by calls that need a registered worker.
	ErrNotStarted = errors.New("scene: worker not started")
)

// Recorder receives worker metrics. metrics.WorkerMetrics implements it.
type Recorder interface {
	SetInstances(n int)
	SetCharacters(n int)
	SetLoadsInFlight(n int)
	RecordClaim()
	RecordLoad(durationSeconds float64, success bool)
	RecordBind(success bool)
}

// Config configures a Worker.
type Config struct {
	Name    string
	Address string
	Port    uint16

	PulseInterval      time.Duration
	ProvisionInterval  time.Duration
	MaxConcurrentLoads int
	LoadTimeout        time.Duration

	Clock   registry.Clock
	Metrics Recorder
	Logger  *logging.Logger
}

// DefaultConfig returns the reference cadence.
func DefaultConfig() Config {
	return Config{
		PulseInterval:      5 * time.Second,
		ProvisionInterval:  time.Second,
		MaxConcurrentLoads: 4,
		LoadTimeout:        30 * time.Second,
	}
}

// Instance is a snapshot of one hosted scene instance.
type Instance struct {
	WorldID    string
	SceneName  string
	Handle     int64
	Characters int
	Manifest   *Manifest
	LoadedAt   time.Time
}

// Binding is returned when a character is attached to an instance.
type Binding struct {
	CharacterID int64
	WorldID     string
	SceneName   string
	Handle      int64
}

// Worker hosts scene instances.
type Worker struct {
	cfg    Config
	reg    *registry.Registry
	loader Loader
	clock  registry.Clock
	logger *logging.Logger

	mu         sync.Mutex
	id         string
	nextHandle int64
	instances  map[int64]*Instance
	loading    int

	// publishMu orders Complete plus the local insert against the
	// heartbeat's ReplaceInstances, which would otherwise delete an
	// instance published between its snapshot and its writes.
	publishMu sync.Mutex
	loads     sync.WaitGroup

	running bool
	cancel  context.CancelFunc
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a Worker. Zero Config fields take DefaultConfig values.
func New(reg *registry.Registry, loader Loader, cfg Config) *Worker {
	def := DefaultConfig()
	if cfg.PulseInterval <= 0 {
		cfg.PulseInterval = def.PulseInterval
	}
	if cfg.ProvisionInterval <= 0 {
		cfg.ProvisionInterval = def.ProvisionInterval
	}
	if cfg.MaxConcurrentLoads <= 0 {
		cfg.MaxConcurrentLoads = def.MaxConcurrentLoads
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = def.LoadTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = systemClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.DefaultLogger()
	}

	return &Worker{
		cfg:        cfg,
		reg:        reg,
		loader:     loader,
		clock:      clock,
		logger:     logger.With(map[string]any{"worker": cfg.Name}),
		nextHandle: 1,
		instances:  make(map[int64]*Instance),
	}
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// ID returns the worker's ServerRecord ID, empty before Register.
func (w *Worker) ID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.id
}

// Register writes the worker's ServerRecord, reusing its previous ID.
func (w *Worker) Register(ctx context.Context) error {
	w.mu.Lock()
	prev := w.id
	w.mu.Unlock()

	id, err := w.reg.AddServer(ctx, registry.ServerSpec{
		ID:      prev,
		Kind:    registry.KindScene,
		Name:    w.cfg.Name,
		Address: w.cfg.Address,
		Port:    w.cfg.Port,
	})
	if err != nil {
		return fmt.Errorf("scene: register: %w", err)
	}

	w.mu.Lock()
	w.id = id
	w.mu.Unlock()
	return nil
}

// Running reports whether the background loops are active.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Start registers the worker and runs the heartbeat and provisioning
// loops until Shutdown.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.Register(ctx); err != nil {
		return err
	}

	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	w.running = true
	w.cancel = cancel
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.mu.Unlock()

	go w.run(ctx)

	w.logger.Infof("scene worker started", map[string]any{
		"serverId":           w.ID(),
		"address":            w.cfg.Address,
		"port":               w.cfg.Port,
		"maxConcurrentLoads": w.cfg.MaxConcurrentLoads,
	})
	return nil
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.doneCh)

	pulse := time.NewTicker(w.cfg.PulseInterval)
	defer pulse.Stop()
	provision := time.NewTicker(w.cfg.ProvisionInterval)
	defer provision.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-pulse.C:
			if err := w.Heartbeat(ctx); err != nil {
				w.logger.Warnf("worker heartbeat failed", map[string]any{"error": err.Error()})
			}
		case <-provision.C:
			if _, err := w.Provision(ctx); err != nil {
				w.logger.Warnf("provisioning pass failed", map[string]any{"error": err.Error()})
			}
		}
	}
}

// Heartbeat pulses the ServerRecord with the live character count and
// then mirrors the local instance set into the registry. A missing record
// means the reaper evicted this worker; it re-registers under the same ID.
func (w *Worker) Heartbeat(ctx context.Context) error {
	id := w.ID()
	if id == "" {
		return ErrNotStarted
	}

	_, characters := w.counts()
	err := w.reg.PulseServer(ctx, id, characters)
	if errors.Is(err, registry.ErrServerNotFound) {
		w.logger.Warnf("worker record missing; re-registering", map[string]any{"serverId": id})
		if err = w.Register(ctx); err == nil {
			err = w.reg.PulseServer(ctx, id, characters)
		}
	}
	if err != nil {
		return err
	}

	w.publishMu.Lock()
	defer w.publishMu.Unlock()
	return w.reg.ReplaceInstances(ctx, id, w.records(id))
}

// records converts the local instance set to registry records.
func (w *Worker) records(id string) []registry.SceneInstanceRecord {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]registry.SceneInstanceRecord, 0, len(w.instances))
	for _, inst := range w.instances {
		out = append(out, registry.SceneInstanceRecord{
			OwningServerID: id,
			WorldID:        inst.WorldID,
			SceneName:      inst.SceneName,
			SceneHandle:    inst.Handle,
			CharacterCount: inst.Characters,
		})
	}
	return out
}

// Provision claims pending requests while load slots are free and starts
// a load for each. It returns the number of requests claimed.
func (w *Worker) Provision(ctx context.Context) (int, error) {
	id := w.ID()
	if id == "" {
		return 0, ErrNotStarted
	}

	claimed := 0
	for {
		w.mu.Lock()
		if w.loading >= w.cfg.MaxConcurrentLoads {
			w.mu.Unlock()
			return claimed, nil
		}
		w.loading++
		w.mu.Unlock()

		req, err := w.reg.Requests.Dequeue(ctx, id)
		if err != nil || req == nil {
			w.loadDone()
			return claimed, err
		}

		claimed++
		if w.cfg.Metrics != nil {
			w.cfg.Metrics.RecordClaim()
		}
		w.logger.Infof("scene request claimed", map[string]any{
			"worldId":   req.WorldID,
			"sceneName": req.SceneName,
			"attempts":  req.Attempts,
		})

		w.loads.Add(1)
		go func() {
			defer w.loads.Done()
			defer w.loadDone()
			w.load(ctx, req)
		}()
	}
}

func (w *Worker) loadDone() {
	w.mu.Lock()
	w.loading--
	n := w.loading
	w.mu.Unlock()
	if w.cfg.Metrics != nil {
		w.cfg.Metrics.SetLoadsInFlight(n)
	}
}

// load runs the loader for a claimed request and completes or fails it.
func (w *Worker) load(ctx context.Context, req *registry.PendingSceneRequest) {
	if w.cfg.Metrics != nil {
		w.mu.Lock()
		n := w.loading
		w.mu.Unlock()
		w.cfg.Metrics.SetLoadsInFlight(n)
	}
	logger := w.logger.With(map[string]any{
		"worldId":   req.WorldID,
		"sceneName": req.SceneName,
	})

	start := w.clock.Now()
	loadCtx, cancel := context.WithTimeout(ctx, w.cfg.LoadTimeout)
	manifest, err := w.loader.Load(loadCtx, req.WorldID, req.SceneName)
	cancel()
	if w.cfg.Metrics != nil {
		w.cfg.Metrics.RecordLoad(w.clock.Now().Sub(start).Seconds(), err == nil)
	}

	// The request must be settled even when the loop context is gone.
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.LoadTimeout)
	defer cancel()

	if err != nil {
		logger.Warnf("scene load failed", map[string]any{"error": err.Error()})
		if ferr := w.reg.Requests.Fail(settleCtx, req, err.Error()); ferr != nil {
			w.logSettleErr(logger, "fail", ferr)
		}
		return
	}

	if err := w.publish(settleCtx, req, manifest); err != nil {
		w.logSettleErr(logger, "complete", err)
		return
	}
}

// publish completes req with a fresh instance and adds it to the local set.
func (w *Worker) publish(ctx context.Context, req *registry.PendingSceneRequest, manifest *Manifest) error {
	w.publishMu.Lock()
	defer w.publishMu.Unlock()

	w.mu.Lock()
	handle := w.nextHandle
	w.nextHandle++
	id := w.id
	w.mu.Unlock()

	err := w.reg.Requests.Complete(ctx, req, registry.SceneInstanceRecord{
		OwningServerID: id,
		WorldID:        req.WorldID,
		SceneName:      req.SceneName,
		SceneHandle:    handle,
	})
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.instances[handle] = &Instance{
		WorldID:   req.WorldID,
		SceneName: req.SceneName,
		Handle:    handle,
		Manifest:  manifest,
		LoadedAt:  w.clock.Now(),
	}
	w.mu.Unlock()
	w.publishGauges()

	w.logger.Infof("scene instance ready", map[string]any{
		"worldId":     req.WorldID,
		"sceneName":   req.SceneName,
		"sceneHandle": handle,
	})
	return nil
}

func (w *Worker) logSettleErr(logger *logging.Logger, op string, err error) {
	if errors.Is(err, registry.ErrRequestGone) {
		// Reaped or re-armed while loading.
		logger.Infof("scene request gone before "+op, nil)
		return
	}
	logger.Errorf("scene request "+op+" failed", map[string]any{"error": err.Error()})
}

// BindCharacter attaches an arriving character to the instance its
// assignment names. The assignment must point at this worker and at an
// instance it hosts.
func (w *Worker) BindCharacter(ctx context.Context, characterID int64) (*Binding, error) {
	b, err := w.bind(ctx, characterID)
	if w.cfg.Metrics != nil {
		w.cfg.Metrics.RecordBind(err == nil)
	}
	if err != nil {
		w.logger.Warnf("character bind rejected", map[string]any{
			"characterId": characterID,
			"error":       err.Error(),
		})
		return nil, err
	}
	w.publishGauges()
	return b, nil
}

func (w *Worker) bind(ctx context.Context, characterID int64) (*Binding, error) {
	asg, err := w.reg.Assignments.GetCharacterScene(ctx, characterID)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.id == "" || asg.ServerID != w.id {
		return nil, fmt.Errorf("%w: %s", ErrNotAssignedHere, asg.ServerID)
	}
	inst, ok := w.instances[asg.SceneHandle]
	if !ok || inst.WorldID != asg.WorldID || inst.SceneName != asg.SceneName {
		return nil, fmt.Errorf("%w: handle %d", ErrUnknownInstance, asg.SceneHandle)
	}
	inst.Characters++
	return &Binding{
		CharacterID: characterID,
		WorldID:     inst.WorldID,
		SceneName:   inst.SceneName,
		Handle:      inst.Handle,
	}, nil
}

// ReleaseCharacter detaches one character from an instance.
func (w *Worker) ReleaseCharacter(handle int64) error {
	w.mu.Lock()
	inst, ok := w.instances[handle]
	if ok && inst.Characters > 0 {
		inst.Characters--
	}
	w.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: handle %d", ErrUnknownInstance, handle)
	}
	w.publishGauges()
	return nil
}

// Instances returns a snapshot of the hosted instances ordered by handle.
func (w *Worker) Instances() []Instance {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Instance, 0, len(w.instances))
	for _, inst := range w.instances {
		out = append(out, *inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out
}

// LoadsInFlight returns the number of running loads.
func (w *Worker) LoadsInFlight() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.loading
}

func (w *Worker) counts() (instances, characters int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, inst := range w.instances {
		characters += inst.Characters
	}
	return len(w.instances), characters
}

func (w *Worker) publishGauges() {
	if w.cfg.Metrics == nil {
		return
	}
	instances, characters := w.counts()
	w.cfg.Metrics.SetInstances(instances)
	w.cfg.Metrics.SetCharacters(characters)
}

// Shutdown stops the loops, waits for running loads to settle and removes
// the worker's instances and ServerRecord from the registry.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		close(w.stopCh)
		w.cancel()
		w.running = false
		doneCh := w.doneCh
		w.mu.Unlock()
		<-doneCh
	} else {
		w.mu.Unlock()
	}
	w.loads.Wait()

	w.mu.Lock()
	id := w.id
	hosted := len(w.instances)
	w.instances = make(map[int64]*Instance)
	w.mu.Unlock()
	w.publishGauges()

	if id == "" {
		return nil
	}
	var errs []error
	removed, err := w.reg.RemoveInstancesForServer(ctx, id)
	if err != nil {
		errs = append(errs, err)
	}
	if err := w.reg.DeleteServer(ctx, id); err != nil {
		errs = append(errs, err)
	}

	w.logger.Infof("scene worker stopped", map[string]any{
		"serverId":         id,
		"instancesHosted":  hosted,
		"instancesRemoved": removed,
	})
	return errors.Join(errs...)
}
