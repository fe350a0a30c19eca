package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsCloseTimeout bounds the close handshake.
const wsCloseTimeout = 5 * time.Second

// WebSocketTransport dials WebSocket connections. It is the production
// Transport; tests substitute in-memory transports.
type WebSocketTransport struct {
	dialer *websocket.Dialer
}

// NewWebSocketTransport creates the default WebSocket transport.
func NewWebSocketTransport() *WebSocketTransport {
	return &WebSocketTransport{dialer: websocket.DefaultDialer}
}

// Dial opens a WebSocket connection to url.
func (t *WebSocketTransport) Dial(ctx context.Context, url string) (Conn, error) {
	ws, resp, err := t.dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed: %w (status %s)", err, resp.Status)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c := &wsConn{
		ws:     ws,
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
	go c.readPump()
	return c, nil
}

// wsConn adapts a gorilla websocket to the pool's Conn interface.
type wsConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	errs    chan error

	closeOnce sync.Once
	closed    chan struct{}
}

// Send writes one binary message. Gorilla permits one concurrent writer,
// so writes are serialized here.
func (c *wsConn) Send(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, payload)
}

// Close performs the close handshake and waits for the read pump to see
// the peer's acknowledgment (or the timeout).
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		deadline := time.Now().Add(wsCloseTimeout)
		err = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.writeMu.Unlock()

		select {
		case <-c.closed:
		case <-time.After(wsCloseTimeout):
		}
		if closeErr := c.ws.Close(); err == nil {
			err = closeErr
		}
	})
	return err
}

// Errors returns the channel of read-side failures.
func (c *wsConn) Errors() <-chan error {
	return c.errs
}

// readPump drains inbound frames. Inbound traffic is control frames and
// server pushes the pool itself does not interpret; its job here is to
// surface read errors and detect the close handshake.
func (c *wsConn) readPump() {
	defer close(c.errs)
	defer close(c.closed)

	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				select {
				case c.errs <- err:
				default:
				}
			}
			return
		}
	}
}
