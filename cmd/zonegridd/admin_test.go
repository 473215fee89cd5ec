package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fishmmo/zonegrid/internal/config"
	"github.com/fishmmo/zonegrid/internal/logging"
	"github.com/fishmmo/zonegrid/internal/metadata"
	"github.com/fishmmo/zonegrid/internal/objectstore"
	"github.com/fishmmo/zonegrid/internal/registry"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func newTestAdminOpts(t *testing.T) (*AdminOptions, *bytes.Buffer) {
	t.Helper()
	meta := metadata.NewMockStore()
	t.Cleanup(func() { meta.Close() })

	logger := logging.DefaultLogger()
	logger.SetLevel(logging.LevelError)
	out := &bytes.Buffer{}
	return &AdminOptions{
		Config:   config.Default(),
		Logger:   logger,
		Meta:     meta,
		Registry: registry.New(meta, registry.Config{Logger: logger}),
		Out:      out,
	}, out
}

func addScene(t *testing.T, reg *registry.Registry, id, name string) {
	t.Helper()
	if _, err := reg.AddServer(context.Background(), registry.ServerSpec{
		ID: id, Kind: registry.KindScene, Name: name, Address: "10.0.0.1", Port: 7781,
	}); err != nil {
		t.Fatalf("AddServer: %v", err)
	}
}

func TestAdminServers(t *testing.T) {
	opts, out := newTestAdminOpts(t)
	ctx := context.Background()

	if err := adminServers(ctx, opts, nil); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "No servers registered") {
		t.Errorf("unexpected output for empty registry: %q", out.String())
	}

	addScene(t, opts.Registry, "scene-1", "dungeon-host")
	if _, err := opts.Registry.AddServer(ctx, registry.ServerSpec{
		ID: "world-1", Kind: registry.KindWorld, Name: "eu-1", WorldID: "eu", Address: "10.0.0.2", Port: 7780,
	}); err != nil {
		t.Fatal(err)
	}

	out.Reset()
	if err := adminServers(ctx, opts, nil); err != nil {
		t.Fatal(err)
	}
	text := out.String()
	for _, want := range []string{"ID", "scene-1", "dungeon-host", "10.0.0.1:7781", "world-1", "eu"} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q:\n%s", want, text)
		}
	}
	if strings.Index(text, "scene-1") > strings.Index(text, "world-1") {
		t.Errorf("expected scene rows before world rows by kind:\n%s", text)
	}

	out.Reset()
	opts.JSON = true
	if err := adminServers(ctx, opts, nil); err != nil {
		t.Fatal(err)
	}
	var servers []registry.ServerRecord
	if err := json.Unmarshal(out.Bytes(), &servers); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(servers) != 2 {
		t.Errorf("expected 2 servers, got %d", len(servers))
	}
}

func TestAdminInstancesAndRequests(t *testing.T) {
	opts, out := newTestAdminOpts(t)
	ctx := context.Background()
	reg := opts.Registry

	if err := adminInstances(ctx, opts, nil); err == nil {
		t.Error("expected usage error without a world")
	}

	addScene(t, reg, "scene-1", "host")
	for _, h := range []int64{2, 1} {
		if err := reg.AddInstance(ctx, registry.SceneInstanceRecord{
			OwningServerID: "scene-1", WorldID: "eu", SceneName: "Town", SceneHandle: h, CharacterCount: int(h) * 3,
		}); err != nil {
			t.Fatal(err)
		}
	}
	if err := adminInstances(ctx, opts, []string{"eu"}); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header and 2 rows:\n%s", out.String())
	}
	if f := strings.Fields(lines[1]); f[0] != "Town" || f[1] != "1" {
		t.Errorf("rows not sorted by handle:\n%s", out.String())
	}

	out.Reset()
	if _, err := reg.Requests.Enqueue(ctx, "eu", "Cave"); err != nil {
		t.Fatal(err)
	}
	if err := adminRequests(ctx, opts, []string{"eu"}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "Cave") || !strings.Contains(out.String(), "pending") {
		t.Errorf("unexpected requests output:\n%s", out.String())
	}

	out.Reset()
	if err := adminRequests(ctx, opts, []string{"us"}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "No load requests") {
		t.Errorf("expected empty message, got %q", out.String())
	}
}

func TestAdminRearm(t *testing.T) {
	opts, out := newTestAdminOpts(t)
	ctx := context.Background()
	reg := opts.Registry

	if _, err := reg.Requests.Enqueue(ctx, "eu", "Cave"); err != nil {
		t.Fatal(err)
	}
	req, err := reg.Requests.Dequeue(ctx, "scene-1")
	if err != nil || req == nil {
		t.Fatalf("Dequeue: %v, %v", req, err)
	}
	if err := reg.Requests.Fail(ctx, req, "load failed"); err != nil {
		t.Fatal(err)
	}

	if err := adminRearm(ctx, opts, []string{"eu", "Cave"}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "returned to pending") {
		t.Errorf("unexpected output: %q", out.String())
	}
	got, err := reg.Requests.Get(ctx, "eu", "Cave")
	if err != nil || got == nil {
		t.Fatalf("Get: %v, %v", got, err)
	}
	if got.Status != registry.StatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}

	out.Reset()
	if err := adminRearm(ctx, opts, []string{"eu", "Cave"}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "No failed request") {
		t.Errorf("pending request should not rearm: %q", out.String())
	}
}

func TestAdminLockUnlock(t *testing.T) {
	opts, _ := newTestAdminOpts(t)
	ctx := context.Background()
	addScene(t, opts.Registry, "scene-1", "host")

	if err := adminSetLocked(ctx, opts, []string{"scene-1"}, true); err != nil {
		t.Fatal(err)
	}
	rec, err := opts.Registry.GetServer(ctx, "scene-1")
	if err != nil {
		t.Fatal(err)
	}
	if !rec.Locked {
		t.Error("server should be locked")
	}

	if err := adminSetLocked(ctx, opts, []string{"scene-1"}, false); err != nil {
		t.Fatal(err)
	}
	rec, _ = opts.Registry.GetServer(ctx, "scene-1")
	if rec.Locked {
		t.Error("server should be unlocked")
	}

	if err := adminSetLocked(ctx, opts, []string{"missing"}, true); err == nil {
		t.Error("locking a missing server should fail")
	}
}

func TestAdminEvict(t *testing.T) {
	opts, out := newTestAdminOpts(t)
	ctx := context.Background()
	reg := opts.Registry

	addScene(t, reg, "scene-1", "host")
	if err := reg.AddInstance(ctx, registry.SceneInstanceRecord{
		OwningServerID: "scene-1", WorldID: "eu", SceneName: "Town", SceneHandle: 1,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Requests.Enqueue(ctx, "eu", "Cave"); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Requests.Dequeue(ctx, "scene-1"); err != nil {
		t.Fatal(err)
	}

	opts.JSON = true
	if err := adminEvict(ctx, opts, []string{"scene-1"}); err != nil {
		t.Fatal(err)
	}
	var res registry.ReapResult
	if err := json.Unmarshal(out.Bytes(), &res); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if res.InstancesRemoved != 1 || res.ClaimsFailed != 1 {
		t.Errorf("unexpected result: %+v", res)
	}
	if _, err := reg.GetServer(ctx, "scene-1"); err == nil {
		t.Error("server should be gone")
	}
}

func TestAdminReap(t *testing.T) {
	opts, out := newTestAdminOpts(t)
	ctx := context.Background()

	// Registered an hour ago and never pulsed since.
	old := registry.New(opts.Meta, registry.Config{
		Clock:  fixedClock{time.Now().Add(-time.Hour)},
		Logger: opts.Logger,
	})
	addScene(t, old, "stale-1", "gone")
	addScene(t, opts.Registry, "live-1", "here")

	if err := adminReap(ctx, opts, nil); err != nil {
		t.Fatal(err)
	}
	if f := strings.Fields(strings.Split(out.String(), "\n")[0]); len(f) != 3 || f[2] != "1" {
		t.Errorf("unexpected output:\n%s", out.String())
	}
	if _, err := opts.Registry.GetServer(ctx, "stale-1"); err == nil {
		t.Error("stale server should be evicted")
	}
	if _, err := opts.Registry.GetServer(ctx, "live-1"); err != nil {
		t.Errorf("live server evicted: %v", err)
	}
}

func TestAdminAssignment(t *testing.T) {
	opts, out := newTestAdminOpts(t)
	ctx := context.Background()

	if err := adminAssignment(ctx, opts, []string{"abc"}); err == nil {
		t.Error("expected error for a non-numeric id")
	}
	if err := adminAssignment(ctx, opts, []string{"42"}); err == nil {
		t.Error("expected error for a missing assignment")
	}

	if err := opts.Registry.Assignments.SetCharacterScene(ctx, registry.CharacterSceneAssignment{
		CharacterID: 42, WorldID: "eu", SceneName: "Town", ServerID: "scene-1", SceneHandle: 3,
	}); err != nil {
		t.Fatal(err)
	}
	if err := adminAssignment(ctx, opts, []string{"42"}); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"Town", "scene-1", "eu"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestAdminPublishRequiresFile(t *testing.T) {
	opts, _ := newTestAdminOpts(t)
	if err := adminPublish(context.Background(), opts, nil); err == nil {
		t.Error("expected usage error")
	}
	if err := adminPublish(context.Background(), opts, []string{"/nonexistent/manifest.json"}); err == nil {
		t.Error("expected read error")
	}
}

func TestAdminCatalogCommands(t *testing.T) {
	opts, out := newTestAdminOpts(t)
	ctx := context.Background()
	catalog := objectstore.NewMockStore()
	opts.Catalog = catalog

	if err := adminScenes(ctx, opts, nil); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "No scene manifests") {
		t.Errorf("unexpected output for empty catalog: %q", out.String())
	}

	path := filepath.Join(t.TempDir(), "cave.json")
	if err := os.WriteFile(path, []byte(`{"name":"Cave","version":"2"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	out.Reset()
	if err := adminPublish(ctx, opts, []string{path}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "scenes/Cave.json.zst") {
		t.Errorf("unexpected publish output: %q", out.String())
	}

	out.Reset()
	if err := adminScenes(ctx, opts, nil); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected header and 1 row:\n%s", out.String())
	}
	if f := strings.Fields(lines[1]); f[0] != "Cave" || f[1] != "true" {
		t.Errorf("unexpected row:\n%s", out.String())
	}

	out.Reset()
	if err := adminUnpublish(ctx, opts, []string{"Cave"}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "Removed scenes/Cave.json.zst") {
		t.Errorf("unexpected unpublish output: %q", out.String())
	}
	if _, err := catalog.Head(ctx, "scenes/Cave.json.zst"); err == nil {
		t.Error("manifest should be deleted")
	}

	out.Reset()
	opts.JSON = true
	if err := adminScenes(ctx, opts, nil); err != nil {
		t.Fatal(err)
	}
	var entries []map[string]any
	if err := json.Unmarshal(out.Bytes(), &entries); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty catalog, got %v", entries)
	}

	if err := adminUnpublish(ctx, opts, nil); err == nil {
		t.Error("expected usage error")
	}
}
