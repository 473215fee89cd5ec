package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fishmmo/zonegrid/internal/config"
	"github.com/fishmmo/zonegrid/internal/gateway"
	"github.com/fishmmo/zonegrid/internal/logging"
	"github.com/fishmmo/zonegrid/internal/metadata"
	"github.com/fishmmo/zonegrid/internal/metrics"
	"github.com/fishmmo/zonegrid/internal/registry"
	"github.com/fishmmo/zonegrid/internal/scene"
	"github.com/fishmmo/zonegrid/internal/server"
)

// SceneOptions configures a scene worker process.
type SceneOptions struct {
	Config   *config.Config
	Logger   *logging.Logger
	Version  string
	Gatherer *prometheus.Registry
	// Meta replaces the configured registry backend, e.g. to share one
	// in-memory store with a world node in tests.
	Meta metadata.MetadataStore
}

// SceneNode wires a scene.Worker to the registry, the scene catalog, the
// websocket listener and the health and metrics servers.
type SceneNode struct {
	opts   SceneOptions
	logger *logging.Logger

	meta          metadata.MetadataStore
	ownsMeta      bool
	worker        *scene.Worker
	closeLoader   func()
	clientServer  *server.Server
	healthServer  *server.HealthServer
	metricsServer *metrics.Server

	mu      sync.Mutex
	started bool
	ready   chan struct{}
}

func NewSceneNode(opts SceneOptions) *SceneNode {
	if opts.Logger == nil {
		opts.Logger = logging.DefaultLogger()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.NewRegistry()
	}
	return &SceneNode{
		opts:   opts,
		logger: opts.Logger.With(map[string]any{"role": "scene", "name": opts.Config.Scene.Name}),
		ready:  make(chan struct{}),
	}
}

// Ready is closed once the client listener is bound and the worker runs.
func (n *SceneNode) Ready() <-chan struct{} { return n.ready }

func (n *SceneNode) ClientAddr() net.Addr {
	if n.clientServer == nil {
		return nil
	}
	return n.clientServer.Addr()
}

// Worker exposes the running worker.
func (n *SceneNode) Worker() *scene.Worker { return n.worker }

// Start brings every component up and serves characters until Shutdown.
func (n *SceneNode) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return errors.New("scene node already started")
	}
	n.started = true
	n.mu.Unlock()

	cfg := n.opts.Config
	ctx = logging.WithLoggerCtx(ctx, n.logger)
	n.logger.Infof("starting scene worker", map[string]any{
		"listenAddr": cfg.Scene.ListenAddr,
		"loader":     cfg.Scene.Loader,
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
	reg := registry.New(n.meta, registry.Config{Logger: n.logger})

	loader, catalog, closeLoader, err := openLoader(ctx, cfg, metrics.NewObjectStoreMetricsWithRegistry(n.opts.Gatherer))
	if err != nil {
		return err
	}
	n.closeLoader = closeLoader

	mux := http.NewServeMux()
	n.clientServer = server.New(server.Config{
		ListenAddr:  cfg.Scene.ListenAddr,
		TLSCertFile: cfg.Gateway.TLSCertFile,
		TLSKeyFile:  cfg.Gateway.TLSKeyFile,
	}, mux, n.logger)
	if err := n.clientServer.Listen(); err != nil {
		return err
	}
	port := cfg.Scene.AdvertisedPort
	if port == 0 {
		port = boundPort(n.clientServer.Addr())
	}

	n.worker = scene.New(reg, loader, scene.Config{
		Name:               cfg.Scene.Name,
		Address:            cfg.Scene.AdvertisedAddress,
		Port:               uint16(port),
		PulseInterval:      config.Ms(cfg.Scene.PulseIntervalMs),
		ProvisionInterval:  config.Ms(cfg.Scene.ProvisionIntervalMs),
		MaxConcurrentLoads: cfg.Scene.MaxConcurrentLoads,
		LoadTimeout:        config.Ms(cfg.Scene.LoadTimeoutMs),
		Metrics:            metrics.NewWorkerMetricsWithRegistry(n.opts.Gatherer),
		Logger:             n.logger,
	})
	if err := n.worker.Start(ctx); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}

	n.healthServer = server.NewHealthServer(cfg.Observability.HealthAddr, n.logger)
	n.healthServer.RegisterReadinessCheck(server.NewRegistryChecker(n.meta))
	n.healthServer.RegisterReadinessCheck(server.NewLoopChecker("scene_worker", n.worker.Running))
	if catalog != nil {
		n.healthServer.RegisterReadinessCheck(server.NewCatalogChecker(catalog, cfg.Scene.CatalogPrefix))
	}
	if err := n.healthServer.Start(); err != nil {
		return fmt.Errorf("start health server: %w", err)
	}
	go watchLoops(ctx, n.healthServer, map[string]func() bool{"scene_worker": n.worker.Running})

	if err := metrics.RegisterProcessMetrics(n.opts.Gatherer, "scene", n.opts.Version); err != nil {
		return fmt.Errorf("register process metrics: %w", err)
	}
	n.metricsServer = metrics.NewServerWithRegistry(cfg.Observability.MetricsAddr, n.opts.Gatherer).WithLogger(n.logger)
	if err := n.metricsServer.Start(); err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}

	mux.Handle(cfg.Gateway.Path, gateway.NewSceneHandler(n.worker, gateway.HandlerConfig{
		HandshakeTimeout: config.Ms(cfg.Gateway.HandshakeTimeoutMs),
		AllowedOrigins:   cfg.Gateway.AllowedOrigins,
		Metrics:          metrics.NewGatewayMetricsWithRegistry(n.opts.Gatherer),
		Logger:           n.logger,
	}))
	close(n.ready)
	return n.clientServer.Serve()
}

// Shutdown fails the probes, disconnects characters, unpublishes the
// worker's instances and closes everything it opened.
func (n *SceneNode) Shutdown(ctx context.Context) error {
	n.mu.Lock()
	if !n.started {
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()

	n.logger.Info("shutting down scene worker")
	if n.healthServer != nil {
		n.healthServer.SetShuttingDown()
	}

	var errs []error
	if n.clientServer != nil {
		if err := n.clientServer.Shutdown(ctx); err != nil && !errors.Is(err, server.ErrServerClosed) {
			n.logger.Warnf("characters still connected at shutdown", map[string]any{"error": err.Error()})
		}
	}
	if n.worker != nil {
		if err := n.worker.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("worker: %w", err))
		}
	}
	if n.closeLoader != nil {
		n.closeLoader()
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
