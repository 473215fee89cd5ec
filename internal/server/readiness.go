package server

import (
	"context"
	"errors"

	"github.com/fishmmo/zonegrid/internal/metadata"
	"github.com/fishmmo/zonegrid/internal/metadata/keys"
	"github.com/fishmmo/zonegrid/internal/objectstore"
)

// healthProbeKey is never written; reading it proves the registry answers.
const healthProbeKey = keys.Prefix + "/health-check"

// RegistryChecker reports whether the registry backend answers reads.
type RegistryChecker struct {
	store metadata.MetadataStore
}

func NewRegistryChecker(store metadata.MetadataStore) *RegistryChecker {
	return &RegistryChecker{store: store}
}

func (c *RegistryChecker) Name() string { return "registry" }

func (c *RegistryChecker) CheckReady(ctx context.Context) error {
	if c.store == nil {
		return errors.New("registry not configured")
	}
	_, err := c.store.Get(ctx, healthProbeKey)
	if err != nil && !errors.Is(err, metadata.ErrKeyNotFound) {
		return err
	}
	return nil
}

// CatalogChecker reports whether the scene catalog bucket is reachable.
// A missing probe object is the expected answer.
type CatalogChecker struct {
	store  objectstore.Store
	prefix string
}

func NewCatalogChecker(store objectstore.Store, prefix string) *CatalogChecker {
	return &CatalogChecker{store: store, prefix: prefix}
}

func (c *CatalogChecker) Name() string { return "scene_catalog" }

func (c *CatalogChecker) CheckReady(ctx context.Context) error {
	if c.store == nil {
		return errors.New("scene catalog not configured")
	}
	_, err := c.store.Head(ctx, c.prefix+".health-check")
	if err == nil || errors.Is(err, objectstore.ErrNotFound) {
		return nil
	}
	return err
}

// LoopChecker reports whether a background loop (broker, worker, reaper)
// is running.
type LoopChecker struct {
	name      string
	isRunning func() bool
}

func NewLoopChecker(name string, isRunning func() bool) *LoopChecker {
	return &LoopChecker{name: name, isRunning: isRunning}
}

func (c *LoopChecker) Name() string { return c.name }

func (c *LoopChecker) CheckReady(context.Context) error {
	if c.isRunning == nil || c.isRunning() {
		return nil
	}
	return errors.New(c.name + " is not running")
}

// FuncChecker adapts a function to ReadinessChecker.
type FuncChecker struct {
	name  string
	check func(context.Context) error
}

func NewFuncChecker(name string, check func(context.Context) error) *FuncChecker {
	return &FuncChecker{name: name, check: check}
}

func (c *FuncChecker) Name() string { return c.name }

func (c *FuncChecker) CheckReady(ctx context.Context) error {
	if c.check == nil {
		return nil
	}
	return c.check(ctx)
}
