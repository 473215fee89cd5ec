package world

import (
	"context"
	"errors"

	"github.com/fishmmo/zonegrid/internal/registry"
)

// Reasons passed to Conn.Close when the broker ends a connection without
// a redirect.
const (
	ReasonSceneUnavailable = "scene_unavailable"
	ReasonSceneUnresolved  = "scene_unresolved"
	ReasonShutdown         = "server_shutdown"
)

// Placement paths and drop reasons reported to the Recorder.
const (
	PathImmediate = "immediate"
	PathQueued    = "queued"

	DropStale        = "stale"
	DropTimeout      = "timeout"
	DropDisconnected = "disconnected"
	DropShutdown     = "shutdown"
)

// AccountIdentity is what the authentication collaborator hands over with
// an authenticated connection.
type AccountIdentity struct {
	AccountID   string
	CharacterID int64
	// Scene is an explicit destination, e.g. a zone transfer. Empty lets
	// the SceneResolver decide.
	Scene string
}

// Redirect tells a client which worker to reconnect to.
type Redirect struct {
	Address string `json:"address"`
	Port    uint16 `json:"port"`
}

// Conn is the broker's view of a client connection. Implementations must
// be safe for concurrent use.
type Conn interface {
	// ID is unique among the broker's live connections.
	ID() string
	// Connected reports whether the client is still attached.
	Connected() bool
	// Redirect sends the redirect message once.
	Redirect(Redirect) error
	// Close ends the connection with a reason the client can display.
	Close(reason string) error
}

// SceneResolver maps a character to the scene it should enter.
type SceneResolver interface {
	ResolveScene(ctx context.Context, id AccountIdentity) (string, error)
}

// SceneResolverFunc adapts a function to SceneResolver.
type SceneResolverFunc func(ctx context.Context, id AccountIdentity) (string, error)

func (f SceneResolverFunc) ResolveScene(ctx context.Context, id AccountIdentity) (string, error) {
	return f(ctx, id)
}

// AssignmentResolver sends a character back to the scene it was last
// routed to in this world, or to Default when it has no assignment.
type AssignmentResolver struct {
	Assignments *registry.Assignments
	WorldID     string
	Default     string
}

func (r AssignmentResolver) ResolveScene(ctx context.Context, id AccountIdentity) (string, error) {
	if id.Scene != "" {
		return id.Scene, nil
	}
	asg, err := r.Assignments.GetCharacterScene(ctx, id.CharacterID)
	switch {
	case errors.Is(err, registry.ErrAssignmentNotFound):
	case err != nil:
		return "", err
	case asg.WorldID == r.WorldID && asg.SceneName != "":
		return asg.SceneName, nil
	}
	if r.Default == "" {
		return "", ErrNoScene
	}
	return r.Default, nil
}
