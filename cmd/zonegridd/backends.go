package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fishmmo/zonegrid/internal/config"
	"github.com/fishmmo/zonegrid/internal/metadata"
	"github.com/fishmmo/zonegrid/internal/metadata/mysql"
	"github.com/fishmmo/zonegrid/internal/metadata/oxia"
	"github.com/fishmmo/zonegrid/internal/objectstore"
	"github.com/fishmmo/zonegrid/internal/objectstore/s3"
	"github.com/fishmmo/zonegrid/internal/scene"
)

const backendConnectTimeout = 10 * time.Second

// openMetadata connects to the configured registry backend. A non-nil
// recorder wraps the store with per-operation metrics.
func openMetadata(ctx context.Context, cfg config.RegistryConfig, recorder metadata.StoreMetricsRecorder) (metadata.MetadataStore, error) {
	ctx, cancel := context.WithTimeout(ctx, backendConnectTimeout)
	defer cancel()

	var store metadata.MetadataStore
	switch cfg.Backend {
	case config.BackendOxia:
		s, err := oxia.New(ctx, oxia.Config{
			ServiceAddress: cfg.OxiaEndpoint,
			Namespace:      cfg.OxiaNamespace,
			RequestTimeout: 30 * time.Second,
			SessionTimeout: config.Ms(cfg.EphemeralTTLMs),
		})
		if err != nil {
			return nil, fmt.Errorf("connect to oxia at %s: %w", cfg.OxiaEndpoint, err)
		}
		store = s
	case config.BackendMySQL:
		s, err := mysql.New(ctx, mysql.Config{
			DSN:          cfg.MySQLDSN,
			Table:        cfg.MySQLTable,
			EphemeralTTL: config.Ms(cfg.EphemeralTTLMs),
		})
		if err != nil {
			return nil, fmt.Errorf("connect to mysql: %w", err)
		}
		store = s
	case config.BackendMemory:
		// Only useful when one process plays every role, e.g. local tests.
		store = metadata.NewMockStore()
	default:
		return nil, fmt.Errorf("unknown registry backend %q", cfg.Backend)
	}

	if recorder != nil {
		store = metadata.NewInstrumentedStore(store, recorder)
	}
	return store, nil
}

// openLoader builds the scene loader. The catalog loader also returns the
// object store it reads so the caller can probe and close it.
func openLoader(ctx context.Context, cfg *config.Config, recorder objectstore.ObjectStoreMetricsRecorder) (scene.Loader, objectstore.Store, func(), error) {
	if cfg.Scene.Loader == config.LoaderStatic {
		return scene.NewStaticLoader(cfg.Scene.StaticScenes), nil, func() {}, nil
	}

	store, err := openObjectStore(ctx, cfg.ObjectStore)
	if err != nil {
		return nil, nil, nil, err
	}
	if recorder != nil {
		store = objectstore.NewInstrumentedStore(store, recorder)
	}
	loader, err := scene.NewCatalogLoader(store, cfg.Scene.CatalogPrefix)
	if err != nil {
		store.Close()
		return nil, nil, nil, err
	}
	cleanup := func() {
		loader.Close()
		store.Close()
	}
	return loader, store, cleanup, nil
}

func openObjectStore(ctx context.Context, cfg config.ObjectStoreConfig) (objectstore.Store, error) {
	ctx, cancel := context.WithTimeout(ctx, backendConnectTimeout)
	defer cancel()
	store, err := s3.New(ctx, s3.Config{
		Bucket:          cfg.Bucket,
		Region:          cfg.Region,
		Endpoint:        cfg.Endpoint,
		AccessKeyID:     cfg.AccessKey,
		SecretAccessKey: cfg.SecretKey,
		UsePathStyle:    cfg.UsePathStyle,
	})
	if err != nil {
		return nil, fmt.Errorf("open scene catalog bucket: %w", err)
	}
	return store, nil
}
