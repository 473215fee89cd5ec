// Package keys provides key encoding/decoding for the zonegrid registry
// keyspace. Numeric components use zero-padded decimal encoding so that
// lexicographic order matches numeric order.
//
// Layout:
//
//	/zonegrid/v1/servers/<serverId>
//	/zonegrid/v1/instances/<worldId>/<sceneName>/<serverId>/<handleZ>
//	/zonegrid/v1/requests/<worldId>/<sceneName>
//	/zonegrid/v1/characters/<characterId>/scene
//	/zonegrid/v1/leases/<name>
//
// World IDs, scene names and server IDs must not contain '/'.
package keys

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// HandleWidth is the number of digits used for zero-padded scene handles.
// Width 20 covers the full int64 range.
const HandleWidth = 20

// Key prefixes.
const (
	// Prefix is the root prefix for all zonegrid keys.
	Prefix = "/zonegrid/v1"

	// ServersPrefix holds one ServerRecord per live process.
	ServersPrefix = Prefix + "/servers"

	// InstancesPrefix holds SceneInstanceRecords, grouped by world then scene.
	InstancesPrefix = Prefix + "/instances"

	// RequestsPrefix holds PendingSceneRequests. The key itself is the
	// (world, scene) uniqueness constraint.
	RequestsPrefix = Prefix + "/requests"

	// CharactersPrefix holds per-character routing state.
	CharactersPrefix = Prefix + "/characters"

	// LeasesPrefix holds ephemeral singleton leases.
	LeasesPrefix = Prefix + "/leases"
)

// ReaperLease is the name of the lease held by the active reaper.
const ReaperLease = "reaper"

// Common errors.
var (
	// ErrInvalidKey is returned when a key cannot be parsed.
	ErrInvalidKey = errors.New("keys: invalid key format")

	// ErrInvalidHandle is returned when a scene handle is negative.
	ErrInvalidHandle = errors.New("keys: handle must be non-negative")

	// ErrInvalidComponent is returned when a key component is empty or
	// contains a path separator.
	ErrInvalidComponent = errors.New("keys: invalid key component")
)

// EncodeHandle encodes a scene handle as a zero-padded decimal string.
func EncodeHandle(handle int64) (string, error) {
	if handle < 0 {
		return "", ErrInvalidHandle
	}
	return fmt.Sprintf("%0*d", HandleWidth, handle), nil
}

// DecodeHandle decodes a zero-padded scene handle.
func DecodeHandle(s string) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: handle %q", ErrInvalidKey, s)
	}
	if v < 0 {
		return 0, ErrInvalidHandle
	}
	return v, nil
}

// ValidateComponent reports whether s can be embedded in a key. Components
// are non-empty and contain neither '/' nor control characters, which some
// backends use to re-encode the separator.
func ValidateComponent(s string) error {
	if s == "" || strings.Contains(s, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidComponent, s)
	}
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("%w: %q", ErrInvalidComponent, s)
		}
	}
	return nil
}

// ServerKeyPath returns the key for a ServerRecord.
func ServerKeyPath(serverID string) string {
	return ServersPrefix + "/" + serverID
}

// ServersListPrefix returns the prefix for listing all servers.
func ServersListPrefix() string {
	return ServersPrefix + "/"
}

// ParseServerKey extracts the server ID from a server key.
func ParseServerKey(key string) (string, error) {
	prefix := ServersListPrefix()
	if !strings.HasPrefix(key, prefix) {
		return "", ErrInvalidKey
	}
	id := strings.TrimPrefix(key, prefix)
	if ValidateComponent(id) != nil {
		return "", ErrInvalidKey
	}
	return id, nil
}

// InstanceKey identifies one scene instance in the registry.
type InstanceKey struct {
	WorldID   string
	SceneName string
	ServerID  string
	Handle    int64
}

// InstanceKeyPath returns the key for a SceneInstanceRecord.
func InstanceKeyPath(worldID, sceneName, serverID string, handle int64) (string, error) {
	h, err := EncodeHandle(handle)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%s/%s/%s/%s", InstancesPrefix, worldID, sceneName, serverID, h), nil
}

// WorldInstancesPrefix returns the prefix covering every instance of a world.
func WorldInstancesPrefix(worldID string) string {
	return InstancesPrefix + "/" + worldID + "/"
}

// SceneInstancesPrefix returns the prefix covering every instance of a
// scene within a world.
func SceneInstancesPrefix(worldID, sceneName string) string {
	return WorldInstancesPrefix(worldID) + sceneName + "/"
}

// AllInstancesPrefix returns the prefix covering every instance.
func AllInstancesPrefix() string {
	return InstancesPrefix + "/"
}

// ParseInstanceKey parses an instance key.
func ParseInstanceKey(key string) (InstanceKey, error) {
	prefix := AllInstancesPrefix()
	if !strings.HasPrefix(key, prefix) {
		return InstanceKey{}, ErrInvalidKey
	}
	parts := strings.Split(strings.TrimPrefix(key, prefix), "/")
	if len(parts) != 4 {
		return InstanceKey{}, ErrInvalidKey
	}
	for _, p := range parts[:3] {
		if p == "" {
			return InstanceKey{}, ErrInvalidKey
		}
	}
	handle, err := DecodeHandle(parts[3])
	if err != nil {
		return InstanceKey{}, err
	}
	return InstanceKey{
		WorldID:   parts[0],
		SceneName: parts[1],
		ServerID:  parts[2],
		Handle:    handle,
	}, nil
}

// RequestKeyPath returns the key for the pending request of (world, scene).
func RequestKeyPath(worldID, sceneName string) string {
	return RequestsPrefix + "/" + worldID + "/" + sceneName
}

// WorldRequestsPrefix returns the prefix covering all requests of a world.
func WorldRequestsPrefix(worldID string) string {
	return RequestsPrefix + "/" + worldID + "/"
}

// AllRequestsPrefix returns the prefix covering every request.
func AllRequestsPrefix() string {
	return RequestsPrefix + "/"
}

// ParseRequestKey extracts world and scene from a request key.
func ParseRequestKey(key string) (worldID, sceneName string, err error) {
	prefix := AllRequestsPrefix()
	if !strings.HasPrefix(key, prefix) {
		return "", "", ErrInvalidKey
	}
	parts := strings.Split(strings.TrimPrefix(key, prefix), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", ErrInvalidKey
	}
	return parts[0], parts[1], nil
}

// CharacterSceneKeyPath returns the key for a character's scene assignment.
func CharacterSceneKeyPath(characterID int64) string {
	return fmt.Sprintf("%s/%d/scene", CharactersPrefix, characterID)
}

// ParseCharacterSceneKey extracts the character ID from an assignment key.
func ParseCharacterSceneKey(key string) (int64, error) {
	prefix := CharactersPrefix + "/"
	if !strings.HasPrefix(key, prefix) || !strings.HasSuffix(key, "/scene") {
		return 0, ErrInvalidKey
	}
	mid := strings.TrimSuffix(strings.TrimPrefix(key, prefix), "/scene")
	id, err := strconv.ParseInt(mid, 10, 64)
	if err != nil {
		return 0, ErrInvalidKey
	}
	return id, nil
}

// LeaseKeyPath returns the key for a named ephemeral lease.
func LeaseKeyPath(name string) string {
	return LeasesPrefix + "/" + name
}
