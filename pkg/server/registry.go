package server

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/benleibowitz/meshchat/pkg/protocol"
)

// Registry holds this server's active client sessions and peer links. It is
// the one piece of shared mutable state in the process; every mutation and
// every snapshot runs under a single registry-wide lock.
type Registry struct {
	mu        sync.RWMutex
	ownPort   int
	queueSize int
	sessions  map[string]*Session
	links     map[int]*Link
}

// SessionInfo is a read-only view of one client session.
type SessionInfo struct {
	ID          string
	Name        string
	ConnectedAt time.Time
}

// LinkInfo is a read-only view of one peer link.
type LinkInfo struct {
	Name        string
	Port        int
	ConnectedAt time.Time
}

// Snapshot is a consistent read-only copy of the registry, safe to hand to
// display layers and aggregators.
type Snapshot struct {
	Sessions []SessionInfo
	Links    []LinkInfo
}

// NewRegistry creates a registry for a server listening on ownPort. queueSize
// bounds each connection's outbound send queue.
func NewRegistry(ownPort, queueSize int) *Registry {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Registry{
		ownPort:   ownPort,
		queueSize: queueSize,
		sessions:  make(map[string]*Session),
		links:     make(map[int]*Link),
	}
}

// SetOwnPort fixes the registry's notion of its own port after the listener
// is bound. Needed when the server was configured with port 0.
func (r *Registry) SetOwnPort(port int) {
	r.mu.Lock()
	r.ownPort = port
	r.mu.Unlock()
}

// RegisterClient creates a session for a freshly accepted connection and adds
// it to the registry. IDs are random and never reassigned.
func (r *Registry) RegisterClient(conn *wsConn) *Session {
	sess := &Session{
		ID:          "client_" + uuid.NewString()[:8],
		ConnectedAt: time.Now(),
		conn:        conn,
		send:        make(chan *protocol.Envelope, r.queueSize),
		done:        make(chan struct{}),
	}

	r.mu.Lock()
	r.sessions[sess.ID] = sess
	r.mu.Unlock()

	return sess
}

// RemoveClient removes a session by ID and returns it, or nil if it was
// already gone.
func (r *Registry) RemoveClient(id string) *Session {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return sess
}

// RegisterLink adds a peer link, deduplicating by port. It returns false when
// the port is already linked or equals this server's own port; the caller
// must not keep the rejected link.
func (r *Registry) RegisterLink(link *Link) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if link.Port == r.ownPort {
		return false
	}
	if _, exists := r.links[link.Port]; exists {
		return false
	}

	r.links[link.Port] = link
	return true
}

// Linked reports whether a link to the given port is currently registered, or
// the port is this server's own.
func (r *Registry) Linked(port int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if port == r.ownPort {
		return true
	}
	_, ok := r.links[port]
	return ok
}

// DropLink removes the given link, but only if it is still the registered
// link for its port. False means another link has since taken the port over.
func (r *Registry) DropLink(link *Link) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.links[link.Port] != link {
		return false
	}
	delete(r.links, link.Port)
	return true
}

// RemoveLink removes the link for a port and returns it, or nil.
func (r *Registry) RemoveLink(port int) *Link {
	r.mu.Lock()
	link, ok := r.links[port]
	if ok {
		delete(r.links, port)
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return link
}

// Sessions returns the current sessions as a slice copy.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	return out
}

// Links returns the current peer links as a slice copy.
func (r *Registry) Links() []*Link {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Link, 0, len(r.links))
	for _, link := range r.links {
		out = append(out, link)
	}
	return out
}

// FindSession locates a local recipient by display name or ID. Names are not
// globally unique; the first match wins.
func (r *Registry) FindSession(target string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, sess := range r.sessions {
		if sess.Matches(target) {
			return sess
		}
	}
	return nil
}

// Counts returns the number of active sessions and links.
func (r *Registry) Counts() (sessions, links int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions), len(r.links)
}

// Snapshot returns a consistent read-only copy of the session and link sets.
// It never observes a partially applied mutation.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := Snapshot{
		Sessions: make([]SessionInfo, 0, len(r.sessions)),
		Links:    make([]LinkInfo, 0, len(r.links)),
	}
	for _, sess := range r.sessions {
		snap.Sessions = append(snap.Sessions, SessionInfo{
			ID:          sess.ID,
			Name:        sess.DisplayName(),
			ConnectedAt: sess.ConnectedAt,
		})
	}
	for _, link := range r.links {
		snap.Links = append(snap.Links, LinkInfo{
			Name:        link.PeerName(),
			Port:        link.Port,
			ConnectedAt: link.ConnectedAt,
		})
	}
	return snap
}
