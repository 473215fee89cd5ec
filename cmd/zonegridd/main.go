package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fishmmo/zonegrid/internal/config"
	"github.com/fishmmo/zonegrid/internal/logging"
	"github.com/fishmmo/zonegrid/internal/server"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// shutdownTimeout bounds graceful shutdown of either role.
const shutdownTimeout = 30 * time.Second

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-version") {
		fmt.Printf("zonegridd version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch cmd := os.Args[1]; cmd {
	case "world":
		runWorld(os.Args[2:])
	case "scene":
		runScene(os.Args[2:])
	case "admin":
		runAdmin(os.Args[2:])
	case "version":
		fmt.Printf("zonegridd version %s (built %s, commit %s)\n", version, buildTime, gitCommit)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: zonegridd <command> [options]

Commands:
  world       Run a world broker: accepts clients and routes them to scene instances
  scene       Run a scene worker: loads scene instances on demand and hosts characters
  admin       Inspect and manage the registry (servers, instances, requests)
  version     Print version information

Run 'zonegridd <command> --help' for more information on a command.`)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromPath(path)
	}
	return config.Load()
}

func newLogger(cfg *config.Config) *logging.Logger {
	return logging.Configure(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
}

// node is what runWorld and runScene drive.
type node interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// runNode starts n and blocks until a signal or a serve error, then shuts
// it down.
func runNode(n node, role string, logger *logging.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- n.Start(ctx)
	}()

	select {
	case sig := <-sigCh:
		logger.Infof("received shutdown signal", map[string]any{"signal": sig.String()})
	case err := <-errCh:
		if err != nil && !errors.Is(err, server.ErrServerClosed) {
			logger.Errorf(role+" error", map[string]any{"error": err.Error()})
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			_ = n.Shutdown(shutdownCtx)
			shutdownCancel()
			os.Exit(1)
		}
	}

	logger.Info("initiating graceful shutdown")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := n.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("shutdown error", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
	logger.Info(role + " shutdown complete")
}

func runWorld(args []string) {
	fs := flag.NewFlagSet("world", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	listenAddr := fs.String("listen", "", "Override client listen address (e.g., :7780)")
	healthAddr := fs.String("health-addr", "", "Override health endpoint address (e.g., :9091)")
	worldID := fs.String("world-id", "", "Override world ID")
	name := fs.String("name", "", "Override broker name")

	fs.Usage = func() {
		fmt.Println(`Usage: zonegridd world [options]

Run a world broker. Clients connect over websocket, are routed to a scene
instance with free capacity, and wait in the broker's queue while a scene
worker loads one.

Options:`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.Gateway.ListenAddr = *listenAddr
	}
	if *healthAddr != "" {
		cfg.Observability.HealthAddr = *healthAddr
	}
	if *worldID != "" {
		cfg.World.WorldID = *worldID
	}
	if *name != "" {
		cfg.World.Name = *name
	}

	logger := newLogger(cfg)
	n := NewWorldNode(WorldOptions{Config: cfg, Logger: logger, Version: version})
	runNode(n, "world broker", logger)
}

func runScene(args []string) {
	fs := flag.NewFlagSet("scene", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	listenAddr := fs.String("listen", "", "Override client listen address (e.g., :7781)")
	healthAddr := fs.String("health-addr", "", "Override health endpoint address (e.g., :9091)")
	name := fs.String("name", "", "Override worker name")
	advertise := fs.String("advertise", "", "Override advertised address clients are redirected to")

	fs.Usage = func() {
		fmt.Println(`Usage: zonegridd scene [options]

Run a scene worker. The worker claims scene load requests from the registry,
publishes each loaded instance, and binds characters redirected to it.

Options:`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.Scene.ListenAddr = *listenAddr
	}
	if *healthAddr != "" {
		cfg.Observability.HealthAddr = *healthAddr
	}
	if *name != "" {
		cfg.Scene.Name = *name
	}
	if *advertise != "" {
		cfg.Scene.AdvertisedAddress = *advertise
	}

	logger := newLogger(cfg)
	n := NewSceneNode(SceneOptions{Config: cfg, Logger: logger, Version: version})
	runNode(n, "scene worker", logger)
}
