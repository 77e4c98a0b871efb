package client

import (
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/benleibowitz/meshchat/pkg/protocol"
)

const (
	welcomeTimeout = 10 * time.Second
	historySize    = 50
)

// ConnectionState represents the connection status.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnected
	StateClosed
)

// Connection is a client connection to one chat server. A lost connection
// stays lost; reconnecting is the caller's decision, made explicitly with a
// fresh Connection.
type Connection struct {
	serverURL string
	username  string

	mu         sync.RWMutex
	ws         *websocket.Conn
	writeMu    sync.Mutex
	state      ConnectionState
	clientID   string
	serverName string
	err        error

	messages []*protocol.Envelope
	users    []protocol.User

	incoming chan *protocol.Envelope

	logger    *log.Logger
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewConnection creates a connection to the server at serverURL. Nothing is
// dialed until Connect.
func NewConnection(serverURL, username string) *Connection {
	return &Connection{
		serverURL: serverURL,
		username:  username,
		incoming:  make(chan *protocol.Envelope, 100),
		done:      make(chan struct{}),
	}
}

// SetLogger sets a logger for debugging connection events.
func (c *Connection) SetLogger(logger *log.Logger) {
	c.logger = logger
}

func (c *Connection) logf(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// Connect dials the server, waits for its welcome, and registers the
// username. The receive loop runs until the transport closes.
func (c *Connection) Connect() error {
	c.mu.Lock()
	switch c.state {
	case StateConnected:
		c.mu.Unlock()
		return fmt.Errorf("already connected")
	case StateClosed:
		c.mu.Unlock()
		return fmt.Errorf("connection is closed")
	}
	c.mu.Unlock()

	wsURL, err := clientEndpoint(c.serverURL)
	if err != nil {
		return err
	}

	c.logf("Connecting to %s...", wsURL)

	dialer := websocket.Dialer{HandshakeTimeout: welcomeTimeout}
	ws, _, err := dialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", wsURL, err)
	}

	// The server speaks first.
	ws.SetReadDeadline(time.Now().Add(welcomeTimeout))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		ws.Close()
		return fmt.Errorf("failed to read welcome: %w", err)
	}
	welcome, err := protocol.Decode(raw)
	if err != nil {
		ws.Close()
		return fmt.Errorf("invalid welcome: %w", err)
	}
	if welcome.Type != protocol.TypeWelcome {
		ws.Close()
		return fmt.Errorf("expected welcome, got %q", welcome.Type)
	}
	ws.SetReadDeadline(time.Time{})

	c.mu.Lock()
	c.ws = ws
	c.state = StateConnected
	c.clientID = welcome.ClientID
	c.serverName = welcome.Server
	c.mu.Unlock()

	c.logf("Connected to %s as %s", welcome.Server, welcome.ClientID)

	if c.username != "" {
		if err := c.send(&protocol.Envelope{Type: protocol.TypeSetName, Name: c.username}); err != nil {
			c.Close()
			return fmt.Errorf("failed to register name: %w", err)
		}
	}

	c.wg.Add(1)
	go c.readLoop()

	return nil
}

// SendChat sends a chat message. to is a display name, a client ID, or "all"
// for a broadcast.
func (c *Connection) SendChat(content, to string) error {
	if to == "" {
		to = protocol.BroadcastTarget
	}
	return c.send(&protocol.Envelope{
		Type:    protocol.TypeChatMessage,
		Content: content,
		To:      to,
	})
}

// SetName changes the display name on the server.
func (c *Connection) SetName(name string) error {
	if err := c.send(&protocol.Envelope{Type: protocol.TypeSetName, Name: name}); err != nil {
		return err
	}
	c.mu.Lock()
	c.username = name
	c.mu.Unlock()
	return nil
}

// RequestUsers asks the mesh for its current users. The reply arrives
// asynchronously; Users returns the most recent answer.
func (c *Connection) RequestUsers() error {
	c.mu.Lock()
	c.users = nil
	c.mu.Unlock()
	return c.send(&protocol.Envelope{Type: protocol.TypeListUsersRequest})
}

func (c *Connection) send(env *protocol.Envelope) error {
	c.mu.RLock()
	ws, state := c.ws, c.state
	c.mu.RUnlock()

	if state != StateConnected {
		return fmt.Errorf("not connected")
	}

	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send %s: %w", env.Type, err)
	}
	return nil
}

// readLoop consumes server envelopes until the transport closes.
func (c *Connection) readLoop() {
	defer c.wg.Done()

	for {
		c.mu.RLock()
		ws := c.ws
		c.mu.RUnlock()

		_, raw, err := ws.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}

		env, err := protocol.Decode(raw)
		if err != nil {
			c.logf("Dropping malformed envelope: %v", err)
			continue
		}

		c.absorb(env)

		// Forward to the consumer without ever blocking the read loop.
		select {
		case c.incoming <- env:
		default:
			c.logf("Incoming queue full, dropping %s", env.Type)
		}
	}
}

// absorb folds a server envelope into the local view.
func (c *Connection) absorb(env *protocol.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch env.Type {
	case protocol.TypeChatMessage:
		c.messages = append(c.messages, env)
		if len(c.messages) > historySize {
			c.messages = c.messages[len(c.messages)-historySize:]
		}
	case protocol.TypeUserList:
		c.users = append([]protocol.User(nil), env.Users...)
	case protocol.TypeError:
		c.logf("Server error: %s", env.Message)
	}
}

// fail records the first terminal error. A lost transport ends the
// Connection for good: the state moves to StateClosed and a later Connect is
// refused, so a caller that wants back in must build a new Connection.
func (c *Connection) fail(err error) {
	c.mu.Lock()
	if c.state == StateConnected {
		c.state = StateClosed
		c.err = err
		c.ws.Close()
	}
	c.mu.Unlock()

	c.closeOnce.Do(func() { close(c.done) })
	c.logf("Connection lost: %v", err)
}

// Incoming returns the channel of envelopes received from the server. The
// channel stays open for the lifetime of the Connection.
func (c *Connection) Incoming() <-chan *protocol.Envelope {
	return c.incoming
}

// Done is closed when the connection is over, whether by Close or by a
// transport failure.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err returns the terminal error, or nil if the connection was closed cleanly.
func (c *Connection) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// State returns the current connection state.
func (c *Connection) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// ClientID returns the server-assigned session ID.
func (c *Connection) ClientID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientID
}

// ServerName returns the name the server announced in its welcome.
func (c *Connection) ServerName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverName
}

// Username returns the current display name.
func (c *Connection) Username() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.username
}

// Messages returns a copy of the recent chat history.
func (c *Connection) Messages() []*protocol.Envelope {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*protocol.Envelope(nil), c.messages...)
}

// Users returns the most recent user list answer.
func (c *Connection) Users() []protocol.User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]protocol.User(nil), c.users...)
}

// Close shuts the connection down permanently.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.state != StateClosed {
		c.state = StateClosed
		if c.ws != nil {
			c.ws.Close()
		}
	}
	c.mu.Unlock()

	c.closeOnce.Do(func() { close(c.done) })
	c.wg.Wait()
}

// clientEndpoint turns a user-supplied server URL into the client WebSocket
// endpoint. Plain host:port and http(s) schemes are accepted.
func clientEndpoint(serverURL string) (string, error) {
	raw := serverURL
	if !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid server URL %q: %w", serverURL, err)
	}

	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	if u.Host == "" {
		return "", fmt.Errorf("invalid server URL %q: missing host", serverURL)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u.String(), nil
}
