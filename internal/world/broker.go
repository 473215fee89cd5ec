// Package world implements the world broker: it routes authenticated
// connections to scene workers, parks connections whose scene has no
// capacity, asks the registry for new instances and flushes the wait
// queue once instances appear.
//
// All coordination with workers happens through the registry. A Broker is
// a per-process object; several may run in one process (tests do).
package world

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fishmmo/zonegrid/internal/logging"
	"github.com/fishmmo/zonegrid/internal/metadata"
	"github.com/fishmmo/zonegrid/internal/metadata/keys"
	"github.com/fishmmo/zonegrid/internal/registry"
)

var (
	// ErrNoScene is returned when no scene can be resolved for a character.
	ErrNoScene = errors.New("world: no scene for character")

	// ErrNotStarted is returned by calls that need a registered broker.
	ErrNotStarted = errors.New("world: broker not started")
)

// Recorder receives broker metrics. metrics.BrokerMetrics implements it.
type Recorder interface {
	SetWaiting(n int)
	SetOccupancy(n int)
	RecordPlacement(path string)
	RecordDropped(reason string)
	RecordEnqueue(outcome string)
	RecordFlush(durationSeconds float64, success bool)
}

// Config configures a Broker.
type Config struct {
	WorldID string
	Name    string
	Address string
	Port    uint16

	// Capacity is the per-instance character threshold shared by the
	// immediate and queued paths.
	Capacity int

	PulseInterval     time.Duration
	FlushInterval     time.Duration
	OccupancyInterval time.Duration

	// MaxWait bounds how long a connection may sit in the wait queue.
	// Zero disables the timeout.
	MaxWait time.Duration

	// WakeOnNotify flushes early when an instance of this world changes.
	WakeOnNotify bool

	// ReservationTTL bounds how long a placement counts against an
	// instance before the worker's heartbeat reflects it.
	ReservationTTL time.Duration

	Clock   registry.Clock
	Metrics Recorder
	Logger  *logging.Logger
}

// DefaultConfig returns the reference cadence.
func DefaultConfig() Config {
	return Config{
		Capacity:          100,
		PulseInterval:     5 * time.Second,
		FlushInterval:     2 * time.Second,
		OccupancyInterval: 2 * time.Second,
		MaxWait:           2 * time.Minute,
		WakeOnNotify:      true,
		ReservationTTL:    15 * time.Second,
	}
}

type instanceRef struct {
	serverID string
	handle   int64
}

// reservation counts placements made since the instance record was last
// written by its worker.
type reservation struct {
	count int
	since time.Time
}

// Broker is the world-tier connection router.
type Broker struct {
	cfg      Config
	reg      *registry.Registry
	resolver SceneResolver
	clock    registry.Clock
	logger   *logging.Logger

	mu           sync.Mutex
	id           string
	queue        *waitQueue
	reservations map[instanceRef]*reservation
	occupancy    int

	running bool
	cancel  context.CancelFunc
	stopCh  chan struct{}
	doneCh  chan struct{}
	wakeCh  chan struct{}
}

// New creates a Broker. Zero Config fields take DefaultConfig values.
func New(reg *registry.Registry, resolver SceneResolver, cfg Config) *Broker {
	def := DefaultConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.PulseInterval <= 0 {
		cfg.PulseInterval = def.PulseInterval
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.OccupancyInterval <= 0 {
		cfg.OccupancyInterval = def.OccupancyInterval
	}
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = def.ReservationTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = systemClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.DefaultLogger()
	}

	return &Broker{
		cfg:          cfg,
		reg:          reg,
		resolver:     resolver,
		clock:        clock,
		logger:       logger.With(map[string]any{"worldId": cfg.WorldID}),
		queue:        newWaitQueue(),
		reservations: make(map[instanceRef]*reservation),
		wakeCh:       make(chan struct{}, 1),
	}
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// ID returns the broker's ServerRecord ID, empty before Register.
func (b *Broker) ID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.id
}

// Register writes the broker's ServerRecord. It reuses the previous ID
// after an eviction.
func (b *Broker) Register(ctx context.Context) error {
	b.mu.Lock()
	prev := b.id
	b.mu.Unlock()

	id, err := b.reg.AddServer(ctx, registry.ServerSpec{
		ID:      prev,
		Kind:    registry.KindWorld,
		Name:    b.cfg.Name,
		Address: b.cfg.Address,
		Port:    b.cfg.Port,
		WorldID: b.cfg.WorldID,
	})
	if err != nil {
		return fmt.Errorf("world: register: %w", err)
	}

	b.mu.Lock()
	b.id = id
	b.mu.Unlock()
	return nil
}

// Running reports whether the background loops are active.
func (b *Broker) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// Start registers the broker and runs its ticks until Shutdown.
func (b *Broker) Start(ctx context.Context) error {
	if err := b.Register(ctx); err != nil {
		return err
	}

	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return nil
	}
	// The notification stream blocks in Next, so the loops get their own
	// context that Shutdown cancels.
	ctx, cancel := context.WithCancel(ctx)
	b.running = true
	b.cancel = cancel
	b.stopCh = make(chan struct{})
	b.doneCh = make(chan struct{})
	stopCh, doneCh := b.stopCh, b.doneCh
	b.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.run(ctx, stopCh)
	}()
	if b.cfg.WakeOnNotify {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.watch(ctx, stopCh)
		}()
	}
	go func() {
		wg.Wait()
		close(doneCh)
	}()

	b.logger.Infof("world broker started", map[string]any{
		"brokerId": b.ID(),
		"capacity": b.cfg.Capacity,
	})
	return nil
}

func (b *Broker) run(ctx context.Context, stopCh <-chan struct{}) {
	pulse := time.NewTicker(b.cfg.PulseInterval)
	defer pulse.Stop()
	flush := time.NewTicker(b.cfg.FlushInterval)
	defer flush.Stop()
	occupancy := time.NewTicker(b.cfg.OccupancyInterval)
	defer occupancy.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-pulse.C:
			if err := b.Pulse(ctx); err != nil {
				b.logger.Warnf("broker pulse failed", map[string]any{"error": err.Error()})
			}
		case <-flush.C:
			b.flushAndLog(ctx)
		case <-b.wakeCh:
			b.flushAndLog(ctx)
		case <-occupancy.C:
			if _, err := b.RefreshOccupancy(ctx); err != nil {
				b.logger.Warnf("occupancy refresh failed", map[string]any{"error": err.Error()})
			}
		}
	}
}

func (b *Broker) flushAndLog(ctx context.Context) {
	if err := b.Flush(ctx); err != nil {
		b.logger.Warnf("wait queue flush incomplete", map[string]any{"error": err.Error()})
	}
}

// watch wakes the flush loop when an instance of this world is written.
func (b *Broker) watch(ctx context.Context, stopCh <-chan struct{}) {
	prefix := keys.WorldInstancesPrefix(b.cfg.WorldID)
	for {
		stream, err := b.reg.Store().Notifications(ctx)
		if errors.Is(err, metadata.ErrNotificationsUnsupported) {
			b.logger.Debug("registry has no notifications; relying on the flush tick")
			return
		}
		if err == nil {
			err = b.consume(ctx, stream, prefix)
			_ = stream.Close()
		}
		if err != nil && ctx.Err() == nil {
			b.logger.Warnf("registry notification stream failed", map[string]any{"error": err.Error()})
		}

		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(b.cfg.FlushInterval):
		}
	}
}

func (b *Broker) consume(ctx context.Context, stream metadata.NotificationStream, prefix string) error {
	for {
		n, err := stream.Next(ctx)
		if err != nil {
			return err
		}
		if n.Deleted || !strings.HasPrefix(n.Key, prefix) {
			continue
		}
		b.mu.Lock()
		waiting := b.queue.size() > 0
		b.mu.Unlock()
		if !waiting {
			continue
		}
		select {
		case b.wakeCh <- struct{}{}:
		default:
		}
	}
}

// ClientAuthenticated routes a newly authenticated connection. It either
// redirects immediately to the first instance with capacity or parks the
// connection and makes sure a scene request is outstanding.
func (b *Broker) ClientAuthenticated(ctx context.Context, conn Conn, id AccountIdentity) error {
	logger := logging.ContextLogger(ctx, b.logger).WithConnID(conn.ID()).WithCharacterID(id.CharacterID)

	scene, err := b.resolver.ResolveScene(ctx, id)
	if err == nil && scene == "" {
		err = ErrNoScene
	}
	if err == nil {
		err = keys.ValidateComponent(scene)
	}
	if err != nil {
		_ = conn.Close(ReasonSceneUnresolved)
		return fmt.Errorf("world: resolve scene: %w", err)
	}

	w := &waiter{conn: conn, identity: id, scene: scene, enqueuedAt: b.clock.Now()}

	candidates, err := b.candidates(ctx, scene)
	if err != nil {
		logger.Warnf("candidate lookup failed; queueing", map[string]any{
			"sceneName": scene,
			"error":     err.Error(),
		})
	}
	if len(candidates) > 0 {
		// A re-authenticating connection may still wait for another scene.
		b.mu.Lock()
		_, wasQueued := b.queue.remove(conn.ID())
		waiting := b.queue.size()
		b.mu.Unlock()
		if wasQueued {
			b.setWaiting(waiting)
		}

		placeErr := b.place(ctx, w, candidates[0], PathImmediate)
		if placeErr == nil {
			return nil
		}
		if !conn.Connected() {
			return placeErr
		}
		logger.Warnf("immediate placement failed; queueing", map[string]any{
			"sceneName": scene,
			"error":     placeErr.Error(),
		})
	}

	b.mu.Lock()
	b.queue.add(w)
	waiting := b.queue.size()
	b.mu.Unlock()
	b.setWaiting(waiting)

	logger.Infof("connection queued", map[string]any{
		"sceneName": scene,
		"waiting":   waiting,
	})
	b.enqueue(ctx, scene)
	return nil
}

// Disconnected removes a connection from the wait queue. Transports call
// it when the client goes away.
func (b *Broker) Disconnected(conn Conn) {
	b.mu.Lock()
	_, ok := b.queue.remove(conn.ID())
	waiting := b.queue.size()
	b.mu.Unlock()

	if ok {
		b.recordDropped(DropDisconnected)
		b.setWaiting(waiting)
	}
}

// Waiting returns the number of queued connections for scene, or for all
// scenes when scene is empty.
func (b *Broker) Waiting(scene string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if scene == "" {
		return b.queue.size()
	}
	return b.queue.count(scene)
}

// Flush runs one wait-queue pass: expire old waiters, place waiters on
// instances with spare capacity (least loaded first) and keep a scene
// request outstanding for every scene that still has waiters. Errors for
// one scene do not stop the others; the joined error is returned.
func (b *Broker) Flush(ctx context.Context) error {
	start := b.clock.Now()
	b.expireWaiters(start)

	b.mu.Lock()
	scenes := b.queue.sceneNames()
	b.mu.Unlock()
	sort.Strings(scenes)

	var errs []error
	for _, scene := range scenes {
		if err := b.flushScene(ctx, scene); err != nil {
			errs = append(errs, fmt.Errorf("scene %s: %w", scene, err))
		}
	}

	b.mu.Lock()
	waiting := b.queue.size()
	b.mu.Unlock()
	b.setWaiting(waiting)

	err := errors.Join(errs...)
	if b.cfg.Metrics != nil {
		b.cfg.Metrics.RecordFlush(b.clock.Now().Sub(start).Seconds(), err == nil)
	}
	return err
}

func (b *Broker) flushScene(ctx context.Context, scene string) error {
	candidates, err := b.candidates(ctx, scene)
	if err != nil {
		return err
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Instance.CharacterCount < candidates[j].Instance.CharacterCount
	})

	var errs []error
	for _, cand := range candidates {
		for free := cand.Free(b.cfg.Capacity); free > 0; {
			b.mu.Lock()
			w, ok := b.queue.pop(scene)
			b.mu.Unlock()
			if !ok {
				break
			}
			if !w.conn.Connected() {
				b.recordDropped(DropStale)
				continue
			}
			if err := b.place(ctx, w, cand, PathQueued); err != nil {
				if w.conn.Connected() {
					b.mu.Lock()
					b.queue.pushFront(w)
					b.mu.Unlock()
					errs = append(errs, err)
					break
				}
				b.recordDropped(DropStale)
				continue
			}
			free--
			cand.Instance.CharacterCount++
		}
	}

	b.mu.Lock()
	remaining := b.queue.count(scene)
	b.mu.Unlock()
	if remaining > 0 {
		b.enqueue(ctx, scene)
	}
	return errors.Join(errs...)
}

// expireWaiters disconnects waiters older than MaxWait.
func (b *Broker) expireWaiters(now time.Time) {
	if b.cfg.MaxWait <= 0 {
		return
	}
	b.mu.Lock()
	expired := b.queue.expire(now.Add(-b.cfg.MaxWait))
	b.mu.Unlock()

	for _, w := range expired {
		b.recordDropped(DropTimeout)
		if !w.conn.Connected() {
			continue
		}
		if err := w.conn.Close(ReasonSceneUnavailable); err != nil {
			b.logger.Debugf("close timed out connection failed", map[string]any{
				"connId": w.conn.ID(),
				"error":  err.Error(),
			})
		}
		b.logger.Infof("queued connection timed out", map[string]any{
			"connId":    w.conn.ID(),
			"sceneName": w.scene,
			"waitedMs":  now.Sub(w.enqueuedAt).Milliseconds(),
		})
	}
}

// candidates returns instances for scene with their pending placements
// folded into CharacterCount, dropping any that are now full.
func (b *Broker) candidates(ctx context.Context, scene string) ([]registry.Candidate, error) {
	cands, err := b.reg.GetCandidates(ctx, b.cfg.WorldID, scene, b.cfg.Capacity)
	if err != nil {
		return nil, err
	}

	now := b.clock.Now()
	b.mu.Lock()
	defer b.mu.Unlock()

	out := cands[:0]
	for _, c := range cands {
		ref := instanceRef{serverID: c.Instance.OwningServerID, handle: c.Instance.SceneHandle}
		if r, ok := b.reservations[ref]; ok {
			updated := time.UnixMilli(c.Instance.UpdatedAtMs)
			if updated.After(r.since) || now.Sub(r.since) > b.cfg.ReservationTTL {
				delete(b.reservations, ref)
			} else {
				c.Instance.CharacterCount += r.count
			}
		}
		if c.Instance.CharacterCount < b.cfg.Capacity {
			out = append(out, c)
		}
	}
	return out, nil
}

// place writes the character's assignment and redirects the connection.
func (b *Broker) place(ctx context.Context, w *waiter, cand registry.Candidate, path string) error {
	err := b.reg.Assignments.SetCharacterScene(ctx, registry.CharacterSceneAssignment{
		CharacterID: w.identity.CharacterID,
		WorldID:     b.cfg.WorldID,
		SceneName:   w.scene,
		ServerID:    cand.Server.ID,
		SceneHandle: cand.Instance.SceneHandle,
	})
	if err != nil {
		return err
	}
	if err := w.conn.Redirect(Redirect{Address: cand.Server.Address, Port: cand.Server.Port}); err != nil {
		return fmt.Errorf("world: redirect %s: %w", w.conn.ID(), err)
	}

	b.reserve(instanceRef{serverID: cand.Instance.OwningServerID, handle: cand.Instance.SceneHandle})
	if b.cfg.Metrics != nil {
		b.cfg.Metrics.RecordPlacement(path)
	}
	b.logger.Infof("connection placed", map[string]any{
		"connId":      w.conn.ID(),
		"characterId": w.identity.CharacterID,
		"sceneName":   w.scene,
		"serverId":    cand.Server.ID,
		"sceneHandle": cand.Instance.SceneHandle,
		"path":        path,
	})
	return nil
}

func (b *Broker) reserve(ref instanceRef) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.reservations[ref]
	if !ok {
		r = &reservation{since: b.clock.Now()}
		b.reservations[ref] = r
	}
	r.count++
}

// enqueue makes sure a request is outstanding for scene.
func (b *Broker) enqueue(ctx context.Context, scene string) {
	outcome, err := b.reg.Requests.Enqueue(ctx, b.cfg.WorldID, scene)
	if err != nil {
		b.logger.Warnf("scene request enqueue failed", map[string]any{
			"sceneName": scene,
			"error":     err.Error(),
		})
		return
	}
	if b.cfg.Metrics != nil {
		b.cfg.Metrics.RecordEnqueue(outcome.String())
	}
}

// RefreshOccupancy recomputes the world's character count: every known
// instance count plus the connections still waiting.
func (b *Broker) RefreshOccupancy(ctx context.Context) (int, error) {
	instances, err := b.reg.ListInstances(ctx, b.cfg.WorldID)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, inst := range instances {
		total += inst.CharacterCount
	}

	b.mu.Lock()
	total += b.queue.size()
	b.occupancy = total
	b.mu.Unlock()

	if b.cfg.Metrics != nil {
		b.cfg.Metrics.SetOccupancy(total)
	}
	return total, nil
}

// Occupancy returns the last computed occupancy.
func (b *Broker) Occupancy() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.occupancy
}

// Pulse publishes the broker's heartbeat, re-registering if the record
// was evicted.
func (b *Broker) Pulse(ctx context.Context) error {
	b.mu.Lock()
	id, occupancy := b.id, b.occupancy
	b.mu.Unlock()
	if id == "" {
		return ErrNotStarted
	}

	err := b.reg.PulseServer(ctx, id, occupancy)
	if !errors.Is(err, registry.ErrServerNotFound) {
		return err
	}
	b.logger.Warnf("broker record missing; re-registering", map[string]any{"brokerId": id})
	if err := b.Register(ctx); err != nil {
		return err
	}
	return b.reg.PulseServer(ctx, id, occupancy)
}

// Shutdown stops the ticks, deletes this world's scene requests and the
// broker's ServerRecord, and disconnects every waiter.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		close(b.stopCh)
		b.cancel()
		b.running = false
		doneCh := b.doneCh
		b.mu.Unlock()
		<-doneCh
		b.mu.Lock()
	}
	id := b.id
	waiters := b.queue.drain()
	b.mu.Unlock()

	for _, w := range waiters {
		b.recordDropped(DropShutdown)
		_ = w.conn.Close(ReasonShutdown)
	}
	b.setWaiting(0)

	var errs []error
	if n, err := b.reg.Requests.DeleteAllForWorld(ctx, b.cfg.WorldID); err != nil {
		errs = append(errs, err)
	} else if n > 0 {
		b.logger.Infof("scene requests removed", map[string]any{"count": n})
	}
	if id != "" {
		if err := b.reg.DeleteServer(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}

	b.logger.Infof("world broker stopped", map[string]any{
		"brokerId":     id,
		"disconnected": len(waiters),
	})
	return errors.Join(errs...)
}

func (b *Broker) setWaiting(n int) {
	if b.cfg.Metrics != nil {
		b.cfg.Metrics.SetWaiting(n)
	}
}

func (b *Broker) recordDropped(reason string) {
	if b.cfg.Metrics != nil {
		b.cfg.Metrics.RecordDropped(reason)
	}
}
