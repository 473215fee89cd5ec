package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fishmmo/zonegrid/internal/config"
	"github.com/fishmmo/zonegrid/internal/gateway"
	"github.com/fishmmo/zonegrid/internal/logging"
	"github.com/fishmmo/zonegrid/internal/metadata"
	"github.com/fishmmo/zonegrid/internal/metrics"
	"github.com/fishmmo/zonegrid/internal/registry"
	"github.com/fishmmo/zonegrid/internal/server"
	"github.com/fishmmo/zonegrid/internal/world"
)

// WorldOptions configures a world broker process.
type WorldOptions struct {
	Config  *config.Config
	Logger  *logging.Logger
	Version string
	// Gatherer receives the process metrics. Default: a fresh registry.
	Gatherer *prometheus.Registry
	// Meta replaces the configured registry backend.
	Meta metadata.MetadataStore
}

// WorldNode wires a world.Broker to the registry, the websocket listener,
// the reaper and the health and metrics servers.
type WorldNode struct {
	opts   WorldOptions
	logger *logging.Logger

	meta          metadata.MetadataStore
	ownsMeta      bool
	reg           *registry.Registry
	broker        *world.Broker
	reaper        *registry.Reaper
	clientServer  *server.Server
	healthServer  *server.HealthServer
	metricsServer *metrics.Server

	mu      sync.Mutex
	started bool
	ready   chan struct{}
}

func NewWorldNode(opts WorldOptions) *WorldNode {
	if opts.Logger == nil {
		opts.Logger = logging.DefaultLogger()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.NewRegistry()
	}
	return &WorldNode{
		opts:   opts,
		logger: opts.Logger.With(map[string]any{"role": "world", "worldId": opts.Config.World.WorldID}),
		ready:  make(chan struct{}),
	}
}

// Ready is closed once the client listener is bound.
func (n *WorldNode) Ready() <-chan struct{} { return n.ready }

// ClientAddr returns the bound client listener address.
func (n *WorldNode) ClientAddr() net.Addr {
	if n.clientServer == nil {
		return nil
	}
	return n.clientServer.Addr()
}

// Start brings every component up and serves clients until Shutdown.
func (n *WorldNode) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return errors.New("world node already started")
	}
	n.started = true
	n.mu.Unlock()

	cfg := n.opts.Config
	ctx = logging.WithLoggerCtx(ctx, n.logger)
	n.logger.Infof("starting world broker", map[string]any{
		"listenAddr": cfg.Gateway.ListenAddr,
		"backend":    cfg.Registry.Backend,
		"version":    n.opts.Version,
	})

	regMetrics := metrics.NewRegistryMetricsWithRegistry(n.opts.Gatherer)
	if n.opts.Meta != nil {
		n.meta = metadata.NewInstrumentedStore(n.opts.Meta, regMetrics)
	} else {
		meta, err := openMetadata(ctx, cfg.Registry, regMetrics)
		if err != nil {
			return err
		}
		n.meta = meta
		n.ownsMeta = true
	}
	n.reg = registry.New(n.meta, registry.Config{Logger: n.logger})

	mux := http.NewServeMux()
	n.clientServer = server.New(server.Config{
		ListenAddr:  cfg.Gateway.ListenAddr,
		TLSCertFile: cfg.Gateway.TLSCertFile,
		TLSKeyFile:  cfg.Gateway.TLSKeyFile,
	}, mux, n.logger)
	if err := n.clientServer.Listen(); err != nil {
		return err
	}

	port := cfg.World.AdvertisedPort
	if port == 0 {
		port = boundPort(n.clientServer.Addr())
	}
	n.broker = world.New(n.reg, world.AssignmentResolver{
		Assignments: n.reg.Assignments,
		WorldID:     cfg.World.WorldID,
		Default:     cfg.World.DefaultScene,
	}, world.Config{
		WorldID:           cfg.World.WorldID,
		Name:              cfg.World.Name,
		Address:           cfg.World.AdvertisedAddress,
		Port:              uint16(port),
		Capacity:          cfg.World.Capacity,
		PulseInterval:     config.Ms(cfg.World.PulseIntervalMs),
		FlushInterval:     config.Ms(cfg.World.FlushIntervalMs),
		OccupancyInterval: config.Ms(cfg.World.OccupancyIntervalMs),
		MaxWait:           config.Ms(cfg.World.MaxWaitMs),
		WakeOnNotify:      cfg.World.WakeOnNotify,
		Metrics:           metrics.NewBrokerMetricsWithRegistry(n.opts.Gatherer),
		Logger:            n.logger,
	})
	if err := n.broker.Start(ctx); err != nil {
		return fmt.Errorf("start broker: %w", err)
	}

	if cfg.Reaper.Enabled {
		n.reaper = registry.NewReaper(n.reg, n.broker.ID(), registry.ReaperConfig{
			Interval:      config.Ms(cfg.Reaper.IntervalMs),
			PulseInterval: config.Ms(cfg.World.PulseIntervalMs),
			MissedPulses:  cfg.Reaper.MissedPulses,
			Metrics:       regMetrics,
		})
		n.reaper.Start(ctx)
	}

	n.healthServer = server.NewHealthServer(cfg.Observability.HealthAddr, n.logger)
	n.healthServer.RegisterReadinessCheck(server.NewRegistryChecker(n.meta))
	n.healthServer.RegisterReadinessCheck(server.NewLoopChecker("world_broker", n.broker.Running))
	loops := map[string]func() bool{"world_broker": n.broker.Running}
	if n.reaper != nil {
		n.healthServer.RegisterReadinessCheck(server.NewLoopChecker("reaper", n.reaper.Running))
		loops["reaper"] = n.reaper.Running
	}
	if err := n.healthServer.Start(); err != nil {
		return fmt.Errorf("start health server: %w", err)
	}
	go watchLoops(ctx, n.healthServer, loops)

	if err := metrics.RegisterProcessMetrics(n.opts.Gatherer, "world", n.opts.Version); err != nil {
		return fmt.Errorf("register process metrics: %w", err)
	}
	n.metricsServer = metrics.NewServerWithRegistry(cfg.Observability.MetricsAddr, n.opts.Gatherer).WithLogger(n.logger)
	if err := n.metricsServer.Start(); err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}

	mux.Handle(cfg.Gateway.Path, gateway.NewWorldHandler(n.broker, gateway.HandlerConfig{
		HandshakeTimeout: config.Ms(cfg.Gateway.HandshakeTimeoutMs),
		AllowedOrigins:   cfg.Gateway.AllowedOrigins,
		Metrics:          metrics.NewGatewayMetricsWithRegistry(n.opts.Gatherer),
		Logger:           n.logger,
	}))
	close(n.ready)
	return n.clientServer.Serve()
}

// Shutdown fails the probes, drains waiting clients, deregisters the
// broker and closes everything it opened.
func (n *WorldNode) Shutdown(ctx context.Context) error {
	n.mu.Lock()
	if !n.started {
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()

	n.logger.Info("shutting down world broker")
	if n.healthServer != nil {
		n.healthServer.SetShuttingDown()
	}

	var errs []error
	if n.broker != nil {
		if err := n.broker.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("broker: %w", err))
		}
	}
	if n.clientServer != nil {
		if err := n.clientServer.Shutdown(ctx); err != nil && !errors.Is(err, server.ErrServerClosed) {
			n.logger.Warnf("client listener did not drain", map[string]any{"error": err.Error()})
		}
	}
	if n.reaper != nil {
		n.reaper.Stop(ctx)
	}
	if n.healthServer != nil {
		closeQuietly(n.logger, "health server", n.healthServer)
	}
	if n.metricsServer != nil {
		closeQuietly(n.logger, "metrics server", n.metricsServer)
	}
	if n.meta != nil && n.ownsMeta {
		if err := n.meta.Close(); err != nil {
			errs = append(errs, fmt.Errorf("registry: %w", err))
		}
	}
	return errors.Join(errs...)
}

// loopBeatInterval is how often watchLoops reports running loops to the
// health server.
const loopBeatInterval = 5 * time.Second

// watchLoops registers each loop with hs and beats it while it reports
// running. A loop that stops is unregistered and liveness fails.
func watchLoops(ctx context.Context, hs *server.HealthServer, loops map[string]func() bool) {
	for name := range loops {
		hs.RegisterLoop(name)
	}
	ticker := time.NewTicker(loopBeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if hs.IsShuttingDown() {
				return
			}
			for name, running := range loops {
				if running() {
					hs.Beat(name)
				} else {
					hs.UnregisterLoop(name)
				}
			}
		}
	}
}

type closer interface{ Close() error }

func closeQuietly(logger *logging.Logger, what string, c closer) {
	if err := c.Close(); err != nil {
		logger.Warnf("error closing "+what, map[string]any{"error": err.Error()})
	}
}

func boundPort(addr net.Addr) int {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}
