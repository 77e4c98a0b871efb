package server

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/benleibowitz/meshchat/pkg/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Clients and peer servers connect from arbitrary hosts.
		return true
	},
}

// wsConn wraps a WebSocket connection with write synchronization. Reads stay
// single-owner (each connection has exactly one receive loop); writes come
// from fan-out goroutines and need the mutex.
type wsConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	closeMu sync.Mutex
	closed  bool
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws}
}

// dialMesh opens an outbound peer link to host:port.
func dialMesh(host string, port int) (*wsConn, error) {
	u := url.URL{Scheme: "ws", Host: fmt.Sprintf("%s:%d", host, port), Path: "/mesh"}

	dialer := &websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	ws, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", u.String(), err)
	}

	return newWSConn(ws), nil
}

// ReadRaw returns the next wire record. An error means the transport is gone
// and the connection's receive loop should terminate.
func (c *wsConn) ReadRaw() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	return data, nil
}

// WriteEnvelope encodes and sends one envelope.
func (c *wsConn) WriteEnvelope(env *protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return net.ErrClosed
	}
	c.closeMu.Unlock()

	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close is idempotent.
func (c *wsConn) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	return c.ws.Close()
}

// RemoteAddr reports the peer address for logging.
func (c *wsConn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

// SetReadDeadline bounds the next read. Used for the server_hello handshake
// on inbound links.
func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}
