package gateway

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fishmmo/zonegrid/internal/world"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	maxFrame   = 4096
)

// ErrConnClosed is returned when writing to a connection that has closed.
var ErrConnClosed = errors.New("gateway: connection closed")

// wsConn adapts a websocket to world.Conn. Writes are serialized; Close
// and pings use WriteControl, which gorilla allows concurrently.
type wsConn struct {
	id       string
	ws       *websocket.Conn
	recorder Recorder

	writeMu  sync.Mutex
	closed   atomic.Bool
	redirect atomic.Bool
	done     chan struct{}
}

func newWSConn(ws *websocket.Conn, recorder Recorder) *wsConn {
	ws.SetReadLimit(maxFrame)
	return &wsConn{
		id:       uuid.NewString(),
		ws:       ws,
		recorder: recorder,
		done:     make(chan struct{}),
	}
}

var _ world.Conn = (*wsConn)(nil)

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Connected() bool { return !c.closed.Load() }

func (c *wsConn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeLocked(data)
}

func (c *wsConn) writeLocked(data []byte) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// notifyQueued tells the client it is waiting, unless a redirect has
// already started.
func (c *wsConn) notifyQueued() error {
	data, err := json.Marshal(queuedMessage{Type: TypeQueued})
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.redirect.Load() {
		return nil
	}
	return c.writeLocked(data)
}

// Redirect sends the redirect frame once and closes the connection.
func (c *wsConn) Redirect(r world.Redirect) error {
	if !c.redirect.CompareAndSwap(false, true) {
		return nil
	}
	if err := c.writeJSON(redirectMessage{Type: TypeRedirect, Address: r.Address, Port: r.Port}); err != nil {
		c.redirect.Store(false)
		c.terminate(websocket.CloseAbnormalClosure, "")
		return err
	}
	c.recorder.RecordRedirect()
	c.terminate(websocket.CloseNormalClosure, ReasonRedirected)
	return nil
}

// Close tells the client why and closes the connection.
func (c *wsConn) Close(reason string) error {
	if c.closed.Load() {
		return nil
	}
	err := c.writeJSON(closedMessage{Type: TypeClosed, Reason: reason})
	c.terminate(websocket.CloseNormalClosure, reason)
	return err
}

// terminate sends a close frame and releases the socket. Safe to call
// more than once.
func (c *wsConn) terminate(code int, reason string) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	close(c.done)
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = c.ws.Close()
}

// keepalive arms the pong deadline and pings the client until the
// connection closes. Missing pongs make the read loop fail after pongWait.
// It must be called before the read loop starts.
func (c *wsConn) keepalive() {
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.ping()
}

func (c *wsConn) ping() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.terminate(websocket.CloseAbnormalClosure, "")
				return
			}
		}
	}
}

// drain reads until the client goes away. Clients send nothing after the
// hello, so any frame is ignored.
func (c *wsConn) drain() {
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			c.terminate(websocket.CloseNormalClosure, "")
			return
		}
	}
}

// readHello reads the first frame within timeout.
func readHello(ws *websocket.Conn, timeout time.Duration) (Hello, error) {
	_ = ws.SetReadDeadline(time.Now().Add(timeout))
	var hello Hello
	_, data, err := ws.ReadMessage()
	if err != nil {
		return hello, err
	}
	if err := json.Unmarshal(data, &hello); err != nil {
		return hello, err
	}
	if hello.Type != TypeHello {
		return hello, errors.New("gateway: first frame is not a hello")
	}
	return hello, nil
}
