package gateway

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fishmmo/zonegrid/internal/logging"
	"github.com/fishmmo/zonegrid/internal/scene"
	"github.com/fishmmo/zonegrid/internal/world"
)

// DefaultHandshakeTimeout bounds the wait for a client's hello.
const DefaultHandshakeTimeout = 10 * time.Second

// Router is the part of world.Broker the world endpoint drives.
type Router interface {
	ClientAuthenticated(ctx context.Context, conn world.Conn, id world.AccountIdentity) error
	Disconnected(conn world.Conn)
}

// Binder is the part of scene.Worker the scene endpoint drives.
type Binder interface {
	BindCharacter(ctx context.Context, characterID int64) (*scene.Binding, error)
	ReleaseCharacter(handle int64) error
}

// HandlerConfig configures both endpoints.
type HandlerConfig struct {
	Auth             Authenticator
	HandshakeTimeout time.Duration
	// AllowedOrigins lists accepted Origin headers. Empty accepts any.
	AllowedOrigins []string
	Metrics        Recorder
	Logger         *logging.Logger
}

type endpoint struct {
	auth             Authenticator
	handshakeTimeout time.Duration
	metrics          Recorder
	logger           *logging.Logger
	upgrader         websocket.Upgrader
}

func newEndpoint(cfg HandlerConfig) endpoint {
	e := endpoint{
		auth:             cfg.Auth,
		handshakeTimeout: cfg.HandshakeTimeout,
		metrics:          cfg.Metrics,
		logger:           cfg.Logger,
	}
	if e.auth == nil {
		e.auth = TrustHello
	}
	if e.handshakeTimeout <= 0 {
		e.handshakeTimeout = DefaultHandshakeTimeout
	}
	if e.metrics == nil {
		e.metrics = nopRecorder{}
	}
	if e.logger == nil {
		e.logger = logging.DefaultLogger()
	}

	origins := cfg.AllowedOrigins
	e.upgrader = websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: e.handshakeTimeout,
		CheckOrigin: func(r *http.Request) bool {
			if len(origins) == 0 {
				return true
			}
			return slices.Contains(origins, r.Header.Get("Origin"))
		},
	}
	return e
}

// accept upgrades the request and runs the hello exchange. On failure the
// socket has already been closed with a reason.
func (e *endpoint) accept(w http.ResponseWriter, r *http.Request) (*wsConn, world.AccountIdentity, bool) {
	ws, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.logger.Debugf("websocket upgrade failed", map[string]any{
			"remote": r.RemoteAddr,
			"error":  err.Error(),
		})
		return nil, world.AccountIdentity{}, false
	}
	e.metrics.ConnectionOpened()
	conn := newWSConn(ws, e.metrics)

	hello, err := readHello(ws, e.handshakeTimeout)
	if err != nil {
		e.metrics.RecordHandshake(false)
		e.logger.Debugf("bad handshake", map[string]any{
			"remote": r.RemoteAddr,
			"error":  err.Error(),
		})
		_ = conn.Close(ReasonBadHandshake)
		return conn, world.AccountIdentity{}, false
	}

	id, err := e.auth.Authenticate(r.Context(), hello)
	if err != nil {
		e.metrics.RecordHandshake(false)
		e.logger.Infof("handshake rejected", map[string]any{
			"remote":      r.RemoteAddr,
			"characterId": hello.CharacterID,
			"error":       err.Error(),
		})
		_ = conn.Close(ReasonUnauthorized)
		return conn, world.AccountIdentity{}, false
	}
	e.metrics.RecordHandshake(true)
	return conn, id, true
}

// WorldHandler serves the world endpoint.
type WorldHandler struct {
	endpoint
	router Router
}

// NewWorldHandler creates the world endpoint for router.
func NewWorldHandler(router Router, cfg HandlerConfig) *WorldHandler {
	return &WorldHandler{endpoint: newEndpoint(cfg), router: router}
}

func (h *WorldHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, id, ok := h.accept(w, r)
	if conn == nil {
		return
	}
	defer h.metrics.ConnectionClosed()
	if !ok {
		return
	}

	ctx := logging.WithCharacterIDCtx(logging.WithConnIDCtx(r.Context(), conn.ID()), id.CharacterID)
	logger := logging.ContextLogger(ctx, h.logger)

	conn.keepalive()
	if err := h.router.ClientAuthenticated(ctx, conn, id); err != nil {
		logger.Infof("connection not routed", map[string]any{"error": err.Error()})
		_ = conn.Close(world.ReasonSceneUnresolved)
		return
	}
	if conn.Connected() {
		if err := conn.notifyQueued(); err != nil && !errors.Is(err, ErrConnClosed) {
			logger.Debugf("queued notice failed", map[string]any{"error": err.Error()})
		}
	}

	conn.drain()
	h.router.Disconnected(conn)
}

// SceneHandler serves the scene endpoint on a worker.
type SceneHandler struct {
	endpoint
	binder Binder
}

// NewSceneHandler creates the scene endpoint for binder.
func NewSceneHandler(binder Binder, cfg HandlerConfig) *SceneHandler {
	return &SceneHandler{endpoint: newEndpoint(cfg), binder: binder}
}

func (h *SceneHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, id, ok := h.accept(w, r)
	if conn == nil {
		return
	}
	defer h.metrics.ConnectionClosed()
	if !ok {
		return
	}

	b, err := h.binder.BindCharacter(r.Context(), id.CharacterID)
	if err != nil {
		_ = conn.Close(ReasonNotAssigned)
		return
	}
	defer func() {
		if err := h.binder.ReleaseCharacter(b.Handle); err != nil {
			h.logger.Debugf("release after disconnect", map[string]any{
				"characterId": id.CharacterID,
				"error":       err.Error(),
			})
		}
	}()

	if err := conn.writeJSON(boundMessage{Type: TypeBound, World: b.WorldID, Scene: b.SceneName, Handle: b.Handle}); err != nil {
		conn.terminate(websocket.CloseAbnormalClosure, "")
		return
	}
	conn.keepalive()
	conn.drain()
}
