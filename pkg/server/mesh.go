package server

import (
	"fmt"
	"sync"
	"time"

	"github.com/benleibowitz/meshchat/pkg/protocol"
)

// helloTimeout bounds how long an inbound link may take to identify itself.
const helloTimeout = 10 * time.Second

// Link represents one established connection to a peer server. A server may
// be the initiator or the acceptor; either way the link is bidirectional and
// removed the moment its transport closes.
type Link struct {
	Port        int
	ConnectedAt time.Time

	conn *wsConn
	send chan *protocol.Envelope

	mu       sync.RWMutex // protects peerName
	peerName string

	closeOnce sync.Once
	done      chan struct{}
}

func newLink(port int, conn *wsConn, queueSize int) *Link {
	return &Link{
		Port:        port,
		ConnectedAt: time.Now(),
		conn:        conn,
		send:        make(chan *protocol.Envelope, queueSize),
		done:        make(chan struct{}),
	}
}

// PeerName returns the peer's self-reported name, empty until its
// server_hello arrives.
func (l *Link) PeerName() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.peerName
}

func (l *Link) setPeerName(name string) {
	l.mu.Lock()
	l.peerName = name
	l.mu.Unlock()
}

// label names the link for logs: the peer name when known, the port
// otherwise.
func (l *Link) label() string {
	if name := l.PeerName(); name != "" {
		return name
	}
	return fmt.Sprintf("port %d", l.Port)
}

// Send enqueues an envelope without blocking. False means the link is closed
// or its queue is full.
func (l *Link) Send(env *protocol.Envelope) bool {
	select {
	case <-l.done:
		return false
	default:
	}

	select {
	case l.send <- env:
		return true
	default:
		return false
	}
}

func (l *Link) writePump() {
	for {
		select {
		case <-l.done:
			return
		case env := <-l.send:
			if err := l.conn.WriteEnvelope(env); err != nil {
				l.close()
				return
			}
		}
	}
}

func (l *Link) close() {
	l.closeOnce.Do(func() {
		close(l.done)
		if l.conn != nil {
			l.conn.Close()
		}
	})
}

// Mesh establishes outbound links, accepts inbound ones, and relays
// inter-server traffic. Mesh membership is failure-visible but not
// self-healing: a lost link is logged and removed, never redialed.
type Mesh struct {
	serverName string
	registry   *Registry
	metrics    *Metrics
	events     *EventLog
	queueSize  int

	mu   sync.RWMutex // protects ownPort
	port int

	// handler receives every envelope arriving on a peer link, together
	// with the link it arrived on. Set once by the server before any link
	// is established.
	handler func(env *protocol.Envelope, from *Link)
}

// NewMesh creates a mesh manager for the named server.
func NewMesh(serverName string, ownPort int, registry *Registry, metrics *Metrics, events *EventLog, queueSize int) *Mesh {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Mesh{
		serverName: serverName,
		port:       ownPort,
		registry:   registry,
		metrics:    metrics,
		events:     events,
		queueSize:  queueSize,
	}
}

// SetHandler installs the inbound envelope handler.
func (m *Mesh) SetHandler(h func(env *protocol.Envelope, from *Link)) {
	m.handler = h
}

// SetOwnPort fixes the advertised port after the listener is bound.
func (m *Mesh) SetOwnPort(port int) {
	m.mu.Lock()
	m.port = port
	m.mu.Unlock()
}

func (m *Mesh) ownPort() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.port
}

// ConnectTo attempts an outbound link to host:port. Connecting to this
// server's own port or to an already-linked port is a no-op success. Dial
// failures are logged and returned; the caller does not retry.
func (m *Mesh) ConnectTo(host string, port int) error {
	if m.registry.Linked(port) {
		return nil
	}

	conn, err := dialMesh(host, port)
	if err != nil {
		m.events.Addf("Failed to connect to %s:%d: %v", host, port, err)
		return fmt.Errorf("mesh connect to %s:%d: %w", host, port, err)
	}

	link := newLink(port, conn, m.queueSize)
	if !m.registry.RegisterLink(link) {
		// Lost a race with another link to the same port.
		conn.Close()
		return nil
	}

	hello := &protocol.Envelope{Type: protocol.TypeServerHello, Name: m.serverName, Port: m.ownPort()}
	if err := conn.WriteEnvelope(hello); err != nil {
		m.closeLink(link, err)
		return fmt.Errorf("mesh hello to %s:%d: %w", host, port, err)
	}

	m.startLink(link)
	m.events.Addf("Connected to server at %s:%d", host, port)
	return nil
}

// AcceptLink handles an inbound peer connection. The peer must identify
// itself with server_hello before anything else; the same dedup rules as
// ConnectTo apply.
func (m *Mesh) AcceptLink(conn *wsConn) error {
	conn.SetReadDeadline(time.Now().Add(helloTimeout))
	raw, err := conn.ReadRaw()
	if err != nil {
		conn.Close()
		return fmt.Errorf("mesh accept: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	hello, err := protocol.Decode(raw)
	if err != nil {
		conn.WriteEnvelope(protocol.NewError(err.Error()))
		conn.Close()
		return fmt.Errorf("mesh accept: %w", err)
	}
	if hello.Type != protocol.TypeServerHello {
		conn.WriteEnvelope(protocol.NewError("expected server_hello"))
		conn.Close()
		return fmt.Errorf("mesh accept: first envelope was %q, want server_hello", hello.Type)
	}

	link := newLink(hello.Port, conn, m.queueSize)
	link.setPeerName(hello.Name)
	if !m.registry.RegisterLink(link) {
		// Duplicate port or our own port. When two servers dial each other at
		// the same time, each holds an outbound link the other is about to
		// reject; without a tie-break both transports die. The rule: the lower
		// port's outbound link survives, so an inbound duplicate from a lower
		// port displaces our own outbound one.
		if hello.Port >= m.ownPort() {
			conn.Close()
			return nil
		}
		if old := m.registry.RemoveLink(hello.Port); old != nil {
			old.close()
			m.metrics.RecordLinkClosed()
		}
		if !m.registry.RegisterLink(link) {
			conn.Close()
			return nil
		}
		m.events.Addf("Replaced link to port %d with inbound connection", hello.Port)
	}

	reply := &protocol.Envelope{Type: protocol.TypeServerHello, Name: m.serverName, Port: m.ownPort()}
	if err := conn.WriteEnvelope(reply); err != nil {
		m.closeLink(link, err)
		return fmt.Errorf("mesh accept hello: %w", err)
	}

	m.startLink(link)
	m.events.Addf("Server %s connected", link.label())
	return nil
}

func (m *Mesh) startLink(link *Link) {
	m.metrics.RecordLinkEstablished()
	m.metrics.RecordActiveLinks(m.linkCount())

	go link.writePump()
	go m.receiveLoop(link)
}

// receiveLoop reads envelopes off one link. Protocol errors are answered and
// the link stays up; transport errors tear the link down.
func (m *Mesh) receiveLoop(link *Link) {
	for {
		raw, err := link.conn.ReadRaw()
		if err != nil {
			m.closeLink(link, err)
			return
		}

		env, err := protocol.Decode(raw)
		if err != nil {
			link.Send(protocol.NewError(err.Error()))
			m.metrics.RecordProtocolError("link")
			continue
		}

		if env.Type == protocol.TypeServerHello {
			link.setPeerName(env.Name)
			m.events.Addf("Server %s identified on port %d", env.Name, link.Port)
			continue
		}

		if m.handler != nil {
			m.handler(env, link)
		}
	}
}

// closeLink removes the link from the registry and tears down its transport.
// Removal is by identity, not port: a link that was displaced by a
// replacement must not evict its successor. Closing a link never touches
// other links or sessions.
func (m *Mesh) closeLink(link *Link, reason error) {
	if m.registry.DropLink(link) {
		m.events.Addf("Server at port %d disconnected: %v", link.Port, reason)
		m.metrics.RecordLinkClosed()
		m.metrics.RecordActiveLinks(m.linkCount())
	}
	link.close()
}

// Relay sends an envelope to every registered link except exclude. Each link
// has its own queue and write pump, so one slow or broken peer only backs up
// its own queue; links whose queue is full are torn down rather than allowed
// to stall the batch.
func (m *Mesh) Relay(env *protocol.Envelope, exclude *Link) {
	links := m.registry.Links()

	var dead []*Link
	sent := 0
	for _, link := range links {
		if link == exclude {
			continue
		}
		if link.Send(env) {
			sent++
		} else {
			dead = append(dead, link)
		}
	}

	m.metrics.RecordRelayFanout(sent)

	for _, link := range dead {
		m.closeLink(link, fmt.Errorf("send queue full or link closed"))
	}
}

func (m *Mesh) linkCount() int {
	_, links := m.registry.Counts()
	return links
}
