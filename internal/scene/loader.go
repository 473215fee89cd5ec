package scene

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

var (
	// ErrUnknownScene is returned by a Loader that has no such scene.
	ErrUnknownScene = errors.New("scene: unknown scene")

	// ErrSceneNotInWorld is returned when a manifest restricts its scene to
	// other worlds.
	ErrSceneNotInWorld = errors.New("scene: scene not available in world")
)

// Manifest describes a loadable scene.
type Manifest struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	// Worlds limits the scene to the listed worlds. Empty means any world.
	Worlds []string `json:"worlds,omitempty"`
	// Assets are object keys the simulation needs; the worker does not
	// interpret them.
	Assets []string `json:"assets,omitempty"`
}

// Validate checks that m describes sceneName in worldID.
func (m *Manifest) Validate(worldID, sceneName string) error {
	if m.Name != sceneName {
		return fmt.Errorf("scene: manifest names %q, want %q", m.Name, sceneName)
	}
	if len(m.Worlds) > 0 && !slices.Contains(m.Worlds, worldID) {
		return fmt.Errorf("%w: %s in %s", ErrSceneNotInWorld, sceneName, worldID)
	}
	return nil
}

// Loader prepares a scene for hosting. Load may block; it is called off
// the provisioning loop with a timeout.
type Loader interface {
	Load(ctx context.Context, worldID, sceneName string) (*Manifest, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, worldID, sceneName string) (*Manifest, error)

func (f LoaderFunc) Load(ctx context.Context, worldID, sceneName string) (*Manifest, error) {
	return f(ctx, worldID, sceneName)
}

// StaticLoader accepts a fixed set of scene names.
type StaticLoader struct {
	scenes map[string]struct{}
}

// NewStaticLoader returns a loader for scenes. An empty list accepts any
// scene name.
func NewStaticLoader(scenes []string) *StaticLoader {
	l := &StaticLoader{scenes: make(map[string]struct{}, len(scenes))}
	for _, s := range scenes {
		l.scenes[s] = struct{}{}
	}
	return l
}

func (l *StaticLoader) Load(ctx context.Context, worldID, sceneName string) (*Manifest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(l.scenes) > 0 {
		if _, ok := l.scenes[sceneName]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownScene, sceneName)
		}
	}
	return &Manifest{Name: sceneName}, nil
}
