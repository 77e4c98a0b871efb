package server

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/benleibowitz/meshchat/pkg/protocol"
)

// PresenceAggregator answers "who is online" queries by fanning a request
// across the mesh and merging replies. Presence is eventually complete but
// never guaranteed complete at query time: peers that do not reply within
// the window are simply absent from the result.
type PresenceAggregator struct {
	serverName string
	registry   *Registry
	mesh       envelopeRelay
	metrics    *Metrics
	window     time.Duration

	mu      sync.Mutex
	pending map[string][]protocol.User
}

// NewPresenceAggregator creates an aggregator with the given collection
// window.
func NewPresenceAggregator(serverName string, registry *Registry, mesh envelopeRelay, metrics *Metrics, window time.Duration) *PresenceAggregator {
	if window <= 0 {
		window = 300 * time.Millisecond
	}
	return &PresenceAggregator{
		serverName: serverName,
		registry:   registry,
		mesh:       mesh,
		metrics:    metrics,
		window:     window,
		pending:    make(map[string][]protocol.User),
	}
}

// Window returns the configured collection window.
func (p *PresenceAggregator) Window() time.Duration {
	return p.window
}

// LocalUsers lists this server's own sessions as user entries.
func (p *PresenceAggregator) LocalUsers() []protocol.User {
	snap := p.registry.Snapshot()

	users := make([]protocol.User, 0, len(snap.Sessions))
	for _, sess := range snap.Sessions {
		users = append(users, protocol.User{
			ID:     sess.ID,
			Name:   sess.Name,
			Server: p.serverName,
		})
	}
	return users
}

// Gather runs one full presence query: local sessions are collected
// immediately, the query is fanned out to the mesh, and peer replies
// accumulate until the window expires. The window is a timeout, not a
// cancellable wait; expiry finalizes whatever arrived. Gather blocks the
// calling goroutine only, never the server.
func (p *PresenceAggregator) Gather() []protocol.User {
	started := time.Now()
	queryID := uuid.NewString()

	p.mu.Lock()
	p.pending[queryID] = p.LocalUsers()
	p.mu.Unlock()

	p.mesh.Relay(&protocol.Envelope{
		Type:            protocol.TypeListUsersRequest,
		RequesterID:     queryID,
		RequesterServer: p.serverName,
	}, nil)

	time.Sleep(p.window)

	p.mu.Lock()
	users := p.pending[queryID]
	delete(p.pending, queryID)
	p.mu.Unlock()

	p.metrics.RecordPresenceDuration(time.Since(started).Seconds())
	return users
}

// Absorb merges a peer's user_list reply into the matching pending query.
// Replies for unknown or expired queries are dropped.
func (p *PresenceAggregator) Absorb(env *protocol.Envelope) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.pending[env.RequesterID]; !ok {
		return
	}
	p.pending[env.RequesterID] = append(p.pending[env.RequesterID], env.Users...)
}

// Reply builds the user_list envelope answering a peer's presence query.
func (p *PresenceAggregator) Reply(query *protocol.Envelope) *protocol.Envelope {
	return &protocol.Envelope{
		Type:        protocol.TypeUserList,
		Server:      p.serverName,
		RequesterID: query.RequesterID,
		Users:       p.LocalUsers(),
	}
}
