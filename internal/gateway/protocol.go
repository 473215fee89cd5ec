// Package gateway carries client connections over websockets. The world
// endpoint hands authenticated connections to the world broker and
// delivers its redirect; the scene endpoint binds arriving characters to
// the instance they were routed to.
//
// Every frame is a JSON text message with a "type" field:
//
//	client -> world:  {"type":"hello","accountId":"a1","characterId":7,"token":"..."}
//	world  -> client: {"type":"queued","scene":"Forest"}
//	world  -> client: {"type":"redirect","address":"10.0.1.7","port":7781}
//	client -> scene:  {"type":"hello","characterId":7,"token":"..."}
//	scene  -> client: {"type":"bound","world":"w1","scene":"Forest","handle":3}
//	any    -> client: {"type":"closed","reason":"scene_unavailable"}
package gateway

import (
	"context"
	"errors"

	"github.com/fishmmo/zonegrid/internal/world"
)

// Message types.
const (
	TypeHello    = "hello"
	TypeQueued   = "queued"
	TypeRedirect = "redirect"
	TypeBound    = "bound"
	TypeClosed   = "closed"
)

// Close reasons the gateway itself produces.
const (
	ReasonBadHandshake = "bad_handshake"
	ReasonUnauthorized = "unauthorized"
	ReasonRedirected   = "redirected"
	ReasonNotAssigned  = "not_assigned"
)

// ErrUnauthorized is returned by an Authenticator that rejects a hello.
var ErrUnauthorized = errors.New("gateway: unauthorized")

// Hello is the first frame a client sends on either endpoint.
type Hello struct {
	Type        string `json:"type"`
	AccountID   string `json:"accountId,omitempty"`
	CharacterID int64  `json:"characterId"`
	Scene       string `json:"scene,omitempty"`
	Token       string `json:"token,omitempty"`
}

type queuedMessage struct {
	Type  string `json:"type"`
	Scene string `json:"scene,omitempty"`
}

type redirectMessage struct {
	Type    string `json:"type"`
	Address string `json:"address"`
	Port    uint16 `json:"port"`
}

type boundMessage struct {
	Type   string `json:"type"`
	World  string `json:"world"`
	Scene  string `json:"scene"`
	Handle int64  `json:"handle"`
}

type closedMessage struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// Authenticator validates a hello and returns the identity it proves.
// Account login is outside zonegrid; deployments plug their own in.
type Authenticator interface {
	Authenticate(ctx context.Context, hello Hello) (world.AccountIdentity, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, hello Hello) (world.AccountIdentity, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, hello Hello) (world.AccountIdentity, error) {
	return f(ctx, hello)
}

// TrustHello accepts the identity a hello claims. It is meant for
// development clusters fronted by a trusted login service.
var TrustHello = AuthenticatorFunc(func(_ context.Context, hello Hello) (world.AccountIdentity, error) {
	if hello.CharacterID <= 0 {
		return world.AccountIdentity{}, ErrUnauthorized
	}
	return world.AccountIdentity{
		AccountID:   hello.AccountID,
		CharacterID: hello.CharacterID,
		Scene:       hello.Scene,
	}, nil
})

// Recorder receives gateway metrics. metrics.GatewayMetrics implements it.
type Recorder interface {
	ConnectionOpened()
	ConnectionClosed()
	RecordHandshake(success bool)
	RecordRedirect()
}

type nopRecorder struct{}

func (nopRecorder) ConnectionOpened()    {}
func (nopRecorder) ConnectionClosed()    {}
func (nopRecorder) RecordHandshake(bool) {}
func (nopRecorder) RecordRedirect()      {}
