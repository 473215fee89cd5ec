package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"github.com/fishmmo/zonegrid/internal/config"
	"github.com/fishmmo/zonegrid/internal/logging"
	"github.com/fishmmo/zonegrid/internal/metadata"
	"github.com/fishmmo/zonegrid/internal/objectstore"
	"github.com/fishmmo/zonegrid/internal/registry"
	"github.com/fishmmo/zonegrid/internal/scene"
)

const adminTimeout = 30 * time.Second

// AdminOptions contains what admin commands operate on.
type AdminOptions struct {
	Config   *config.Config
	Logger   *logging.Logger
	Meta     metadata.MetadataStore
	Registry *registry.Registry
	// Catalog overrides the configured object store for catalog commands.
	Catalog objectstore.Store
	Out     io.Writer
	JSON    bool
}

func runAdmin(args []string) {
	if len(args) < 1 {
		printAdminUsage()
		os.Exit(1)
	}

	sub, rest := args[0], args[1:]
	var run func(ctx context.Context, opts *AdminOptions, args []string) error
	switch sub {
	case "servers":
		run = adminServers
	case "instances":
		run = adminInstances
	case "requests":
		run = adminRequests
	case "rearm":
		run = adminRearm
	case "lock":
		run = func(ctx context.Context, opts *AdminOptions, args []string) error {
			return adminSetLocked(ctx, opts, args, true)
		}
	case "unlock":
		run = func(ctx context.Context, opts *AdminOptions, args []string) error {
			return adminSetLocked(ctx, opts, args, false)
		}
	case "evict":
		run = adminEvict
	case "reap":
		run = adminReap
	case "assignment":
		run = adminAssignment
	case "publish":
		run = adminPublish
	case "scenes":
		run = adminScenes
	case "unpublish":
		run = adminUnpublish
	case "help", "-h", "--help":
		printAdminUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown admin command: %s\n\n", sub)
		printAdminUsage()
		os.Exit(1)
	}

	fs := flag.NewFlagSet("admin "+sub, flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOutput := fs.Bool("json", false, "Output in JSON format")
	fs.Usage = func() {
		fmt.Printf("Usage: zonegridd admin %s [options] [args]\n\nOptions:\n", sub)
		fs.PrintDefaults()
	}
	if err := fs.Parse(rest); err != nil {
		os.Exit(1)
	}

	opts, cleanup, err := initAdminOpts(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()
	opts.JSON = *jsonOutput

	ctx, cancel := context.WithTimeout(context.Background(), adminTimeout)
	defer cancel()
	if err := run(ctx, opts, fs.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		cleanup()
		os.Exit(1)
	}
}

func printAdminUsage() {
	fmt.Println(`Usage: zonegridd admin <command> [options] [args]

Inspect and manage the shared registry.

Commands:
  servers                     List live world brokers and scene workers
  instances <world>           List loaded scene instances of a world
  requests <world>            List scene load requests of a world
  rearm <world> <scene>       Return a failed load request to pending
  lock <server-id>            Stop routing new characters to a server
  unlock <server-id>          Resume routing to a server
  evict <server-id>           Remove a server, its instances and its claims
  reap                        Run one reaper sweep now
  assignment <character-id>   Show where a character was last routed
  publish <manifest.json>     Upload a scene manifest to the catalog
  scenes                      List scene manifests in the catalog
  unpublish <scene>           Remove a scene manifest from the catalog

Every command accepts -config and -json.`)
}

func initAdminOpts(configPath string) (*AdminOptions, func(), error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg)
	meta, err := openMetadata(context.Background(), cfg.Registry, nil)
	if err != nil {
		return nil, nil, err
	}
	var once bool
	cleanup := func() {
		if !once {
			once = true
			meta.Close()
		}
	}
	return &AdminOptions{
		Config:   cfg,
		Logger:   logger,
		Meta:     meta,
		Registry: registry.New(meta, registry.Config{Logger: logger}),
		Out:      os.Stdout,
	}, cleanup, nil
}

func (o *AdminOptions) writeJSON(v any) error {
	enc := json.NewEncoder(o.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func needArgs(args []string, n int, usage string) error {
	if len(args) < n {
		return fmt.Errorf("usage: %s", usage)
	}
	return nil
}

func adminServers(ctx context.Context, opts *AdminOptions, _ []string) error {
	servers, err := opts.Registry.ListServers(ctx, "")
	if err != nil {
		return fmt.Errorf("list servers: %w", err)
	}
	sort.Slice(servers, func(i, j int) bool {
		if servers[i].Kind != servers[j].Kind {
			return servers[i].Kind < servers[j].Kind
		}
		return servers[i].Name < servers[j].Name
	})
	if opts.JSON {
		return opts.writeJSON(servers)
	}
	if len(servers) == 0 {
		fmt.Fprintln(opts.Out, "No servers registered.")
		return nil
	}

	now := time.Now()
	w := tabwriter.NewWriter(opts.Out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tNAME\tADDRESS\tCHARACTERS\tLOCKED\tWORLD\tLAST_PULSE")
	for _, s := range servers {
		world := s.WorldID
		if world == "" {
			world = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s:%d\t%d\t%t\t%s\t%s ago\n",
			s.ID, s.Kind, s.Name, s.Address, s.Port, s.CharacterCount, s.Locked, world,
			now.Sub(s.LastPulse()).Truncate(time.Millisecond))
	}
	return w.Flush()
}

func adminInstances(ctx context.Context, opts *AdminOptions, args []string) error {
	if err := needArgs(args, 1, "instances <world>"); err != nil {
		return err
	}
	instances, err := opts.Registry.ListInstances(ctx, args[0])
	if err != nil {
		return fmt.Errorf("list instances: %w", err)
	}
	sort.Slice(instances, func(i, j int) bool {
		if instances[i].SceneName != instances[j].SceneName {
			return instances[i].SceneName < instances[j].SceneName
		}
		return instances[i].SceneHandle < instances[j].SceneHandle
	})
	if opts.JSON {
		return opts.writeJSON(instances)
	}
	if len(instances) == 0 {
		fmt.Fprintf(opts.Out, "No instances loaded in world %s.\n", args[0])
		return nil
	}

	w := tabwriter.NewWriter(opts.Out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SCENE\tHANDLE\tSERVER\tCHARACTERS")
	for _, inst := range instances {
		fmt.Fprintf(w, "%s\t%d\t%s\t%d\n", inst.SceneName, inst.SceneHandle, inst.OwningServerID, inst.CharacterCount)
	}
	return w.Flush()
}

func adminRequests(ctx context.Context, opts *AdminOptions, args []string) error {
	if err := needArgs(args, 1, "requests <world>"); err != nil {
		return err
	}
	reqs, err := opts.Registry.Requests.List(ctx, args[0])
	if err != nil {
		return fmt.Errorf("list requests: %w", err)
	}
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].SceneName < reqs[j].SceneName })
	if opts.JSON {
		return opts.writeJSON(reqs)
	}
	if len(reqs) == 0 {
		fmt.Fprintf(opts.Out, "No load requests in world %s.\n", args[0])
		return nil
	}

	w := tabwriter.NewWriter(opts.Out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SCENE\tSTATUS\tCLAIMED_BY\tATTEMPTS\tLAST_ERROR")
	for _, r := range reqs {
		claimedBy, lastErr := r.ClaimedBy, r.LastError
		if claimedBy == "" {
			claimedBy = "-"
		}
		if lastErr == "" {
			lastErr = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", r.SceneName, r.Status, claimedBy, r.Attempts, lastErr)
	}
	return w.Flush()
}

func adminRearm(ctx context.Context, opts *AdminOptions, args []string) error {
	if err := needArgs(args, 2, "rearm <world> <scene>"); err != nil {
		return err
	}
	rearmed, err := opts.Registry.Requests.Rearm(ctx, args[0], args[1])
	if err != nil {
		return fmt.Errorf("rearm: %w", err)
	}
	if opts.JSON {
		return opts.writeJSON(map[string]bool{"rearmed": rearmed})
	}
	if rearmed {
		fmt.Fprintf(opts.Out, "Request for %s in %s returned to pending.\n", args[1], args[0])
	} else {
		fmt.Fprintf(opts.Out, "No failed request for %s in %s.\n", args[1], args[0])
	}
	return nil
}

func adminSetLocked(ctx context.Context, opts *AdminOptions, args []string, locked bool) error {
	if err := needArgs(args, 1, "lock|unlock <server-id>"); err != nil {
		return err
	}
	if err := opts.Registry.SetServerLocked(ctx, args[0], locked); err != nil {
		return fmt.Errorf("set locked: %w", err)
	}
	if opts.JSON {
		return opts.writeJSON(map[string]any{"id": args[0], "locked": locked})
	}
	fmt.Fprintf(opts.Out, "Server %s locked=%t.\n", args[0], locked)
	return nil
}

func printReapResult(opts *AdminOptions, res *registry.ReapResult) error {
	if opts.JSON {
		return opts.writeJSON(res)
	}
	w := tabwriter.NewWriter(opts.Out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Servers evicted:\t%d\n", res.ServersEvicted)
	fmt.Fprintf(w, "Instances removed:\t%d\n", res.InstancesRemoved)
	fmt.Fprintf(w, "Claims failed:\t%d\n", res.ClaimsFailed)
	return w.Flush()
}

func adminEvict(ctx context.Context, opts *AdminOptions, args []string) error {
	if err := needArgs(args, 1, "evict <server-id>"); err != nil {
		return err
	}
	res, err := opts.Registry.Evict(ctx, args[0])
	if err != nil {
		return fmt.Errorf("evict: %w", err)
	}
	return printReapResult(opts, res)
}

func adminReap(ctx context.Context, opts *AdminOptions, _ []string) error {
	cfg := opts.Config
	reaper := registry.NewReaper(opts.Registry, "admin-"+uuid.NewString(), registry.ReaperConfig{
		PulseInterval: config.Ms(cfg.World.PulseIntervalMs),
		MissedPulses:  cfg.Reaper.MissedPulses,
	})
	res, err := reaper.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	if !res.LeaseHeld && !opts.JSON {
		fmt.Fprintln(opts.Out, "Another process holds the reaper lease; nothing swept.")
		return nil
	}
	return printReapResult(opts, res)
}

func adminAssignment(ctx context.Context, opts *AdminOptions, args []string) error {
	if err := needArgs(args, 1, "assignment <character-id>"); err != nil {
		return err
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid character id %q", args[0])
	}
	asg, err := opts.Registry.Assignments.GetCharacterScene(ctx, id)
	if err != nil {
		return fmt.Errorf("get assignment: %w", err)
	}
	if opts.JSON {
		return opts.writeJSON(asg)
	}
	w := tabwriter.NewWriter(opts.Out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Character:\t%d\n", asg.CharacterID)
	fmt.Fprintf(w, "World:\t%s\n", asg.WorldID)
	fmt.Fprintf(w, "Scene:\t%s\n", asg.SceneName)
	fmt.Fprintf(w, "Server:\t%s\n", asg.ServerID)
	fmt.Fprintf(w, "Handle:\t%d\n", asg.SceneHandle)
	fmt.Fprintf(w, "Assigned:\t%s\n", time.UnixMilli(asg.AssignedAtMs).UTC().Format(time.RFC3339))
	return w.Flush()
}

func adminPublish(ctx context.Context, opts *AdminOptions, args []string) error {
	if err := needArgs(args, 1, "publish <manifest.json>"); err != nil {
		return err
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	var m scene.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("decode %s: %w", args[0], err)
	}

	store, done, err := opts.catalogStore(ctx)
	if err != nil {
		return err
	}
	defer done()
	key, err := scene.PublishManifest(ctx, store, opts.Config.Scene.CatalogPrefix, &m, true)
	if err != nil {
		return err
	}
	if opts.JSON {
		return opts.writeJSON(map[string]string{"scene": m.Name, "key": key})
	}
	fmt.Fprintf(opts.Out, "Published %s to %s.\n", m.Name, key)
	return nil
}

// catalogStore returns the object store holding scene manifests and a
// function that releases it.
func (o *AdminOptions) catalogStore(ctx context.Context) (objectstore.Store, func(), error) {
	if o.Catalog != nil {
		return o.Catalog, func() {}, nil
	}
	store, err := openObjectStore(ctx, o.Config.ObjectStore)
	if err != nil {
		return nil, nil, err
	}
	return store, func() { store.Close() }, nil
}

func adminScenes(ctx context.Context, opts *AdminOptions, _ []string) error {
	store, done, err := opts.catalogStore(ctx)
	if err != nil {
		return err
	}
	defer done()
	entries, err := scene.ListCatalog(ctx, store, opts.Config.Scene.CatalogPrefix)
	if err != nil {
		return err
	}

	if opts.JSON {
		return opts.writeJSON(entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(opts.Out, "No scene manifests in the catalog.")
		return nil
	}
	w := tabwriter.NewWriter(opts.Out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SCENE\tCOMPRESSED\tSIZE\tMODIFIED\tKEY")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%t\t%d\t%s\t%s\n",
			e.Scene, e.Compressed, e.Size,
			time.UnixMilli(e.LastModified).UTC().Format(time.RFC3339), e.Key)
	}
	return w.Flush()
}

func adminUnpublish(ctx context.Context, opts *AdminOptions, args []string) error {
	if err := needArgs(args, 1, "unpublish <scene>"); err != nil {
		return err
	}
	store, done, err := opts.catalogStore(ctx)
	if err != nil {
		return err
	}
	defer done()
	removed, err := scene.UnpublishManifest(ctx, store, opts.Config.Scene.CatalogPrefix, args[0])
	if err != nil {
		return err
	}

	if opts.JSON {
		return opts.writeJSON(map[string]any{"scene": args[0], "removed": removed})
	}
	if len(removed) == 0 {
		fmt.Fprintf(opts.Out, "No manifest for %s in the catalog.\n", args[0])
		return nil
	}
	for _, key := range removed {
		fmt.Fprintf(opts.Out, "Removed %s.\n", key)
	}
	return nil
}
