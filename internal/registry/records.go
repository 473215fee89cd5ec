// Package registry implements the persistent registry that world brokers
// and scene workers coordinate through. It stores four record kinds on top
// of a metadata.MetadataStore:
//
//   - ServerRecord: one per live broker or worker process
//   - SceneInstanceRecord: one per loaded scene instance
//   - PendingSceneRequest: at most one per (world, scene), the unit of
//     provisioning work
//   - CharacterSceneAssignment: where a character was last routed
//
// Every exported call is a single commit boundary. Multi-step agreements
// (enqueue, claim, promote) each use exactly one conditional write so
// concurrent processes cannot both win.
package registry

import (
	"errors"
	"time"

	"github.com/fishmmo/zonegrid/internal/metadata"
)

// Errors returned by registry operations.
var (
	// ErrServerNotFound is returned when a ServerRecord does not exist,
	// typically because the reaper evicted it. Heartbeat loops treat it
	// as a signal to re-register.
	ErrServerNotFound = errors.New("registry: server not found")

	// ErrInstanceNotFound is returned when a SceneInstanceRecord does not exist.
	ErrInstanceNotFound = errors.New("registry: instance not found")

	// ErrRequestGone is returned when a request row vanished or changed
	// owner between claim and resolution. It is a benign outcome.
	ErrRequestGone = errors.New("registry: request gone")

	// ErrAssignmentNotFound is returned when a character has no assignment.
	ErrAssignmentNotFound = errors.New("registry: assignment not found")

	// ErrInvalidRecord is returned when a record is missing required fields.
	ErrInvalidRecord = errors.New("registry: invalid record")
)

// ServerKind distinguishes brokers from workers.
type ServerKind string

const (
	// KindWorld is a world broker.
	KindWorld ServerKind = "world"
	// KindScene is a scene worker.
	KindScene ServerKind = "scene"
)

// ServerRecord describes one live process.
type ServerRecord struct {
	ID             string     `json:"id"`
	Kind           ServerKind `json:"kind"`
	Name           string     `json:"name"`
	Address        string     `json:"address"`
	Port           uint16     `json:"port"`
	CharacterCount int        `json:"characterCount"`
	Locked         bool       `json:"locked"`
	LastPulseMs    int64      `json:"lastPulseMs"`
	// WorldID is set for world brokers only.
	WorldID     string `json:"worldId,omitempty"`
	StartedAtMs int64  `json:"startedAtMs"`
}

// LastPulse returns LastPulseMs as a time.
func (s ServerRecord) LastPulse() time.Time {
	return time.UnixMilli(s.LastPulseMs)
}

// SceneInstanceRecord describes one loaded scene instance on a worker.
type SceneInstanceRecord struct {
	OwningServerID string `json:"owningServerId"`
	WorldID        string `json:"worldId"`
	SceneName      string `json:"sceneName"`
	SceneHandle    int64  `json:"sceneHandle"`
	CharacterCount int    `json:"characterCount"`
	UpdatedAtMs    int64  `json:"updatedAtMs"`
}

// RequestStatus is the state of a PendingSceneRequest.
//
//	pending -> loading -> (row deleted, instance published)
//	pending | loading -> failed
//	failed -> pending
type RequestStatus string

const (
	StatusPending RequestStatus = "pending"
	StatusLoading RequestStatus = "loading"
	StatusFailed  RequestStatus = "failed"
)

// PendingSceneRequest asks some worker to load SceneName for WorldID.
type PendingSceneRequest struct {
	WorldID     string        `json:"worldId"`
	SceneName   string        `json:"sceneName"`
	Status      RequestStatus `json:"status"`
	ClaimedBy   string        `json:"claimedBy,omitempty"`
	Attempts    int           `json:"attempts"`
	LastError   string        `json:"lastError,omitempty"`
	CreatedAtMs int64         `json:"createdAtMs"`
	UpdatedAtMs int64         `json:"updatedAtMs"`

	// Version is the registry version the row was read at.
	Version metadata.Version `json:"-"`
}

// CharacterSceneAssignment records the instance a character was routed to.
type CharacterSceneAssignment struct {
	CharacterID  int64  `json:"characterId"`
	WorldID      string `json:"worldId"`
	SceneName    string `json:"sceneName"`
	ServerID     string `json:"serverId"`
	SceneHandle  int64  `json:"sceneHandle"`
	AssignedAtMs int64  `json:"assignedAtMs"`
}

// Candidate is an instance with spare capacity together with its owner.
type Candidate struct {
	Instance SceneInstanceRecord
	Server   ServerRecord
}

// Free returns the remaining capacity under the given threshold.
func (c Candidate) Free(capacity int) int {
	if n := capacity - c.Instance.CharacterCount; n > 0 {
		return n
	}
	return 0
}

// Clock provides time functions for testing.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }
