package server

import (
	"github.com/benleibowitz/meshchat/pkg/protocol"
)

// envelopeRelay is the slice of the mesh manager the router and presence
// aggregator need. Kept as an interface for testability.
type envelopeRelay interface {
	Relay(env *protocol.Envelope, exclude *Link)
}

// Router decides, for every inbound chat envelope, whether to deliver
// locally, relay to the mesh, or both. Provenance (the link an envelope
// arrived on, nil for local clients) travels as a dispatch argument, never as
// envelope state: envelopes are immutable once constructed.
type Router struct {
	serverName string
	registry   *Registry
	mesh       envelopeRelay
	metrics    *Metrics
	events     *EventLog
}

// NewRouter creates a routing engine for the named server.
func NewRouter(serverName string, registry *Registry, mesh envelopeRelay, metrics *Metrics, events *EventLog) *Router {
	return &Router{
		serverName: serverName,
		registry:   registry,
		mesh:       mesh,
		metrics:    metrics,
		events:     events,
	}
}

// Route applies the delivery rules to one chat envelope. from is the peer
// link the envelope arrived on; nil means it came from a local client and
// therefore originated on this server.
func (rt *Router) Route(env *protocol.Envelope, from *Link) {
	if env.To == protocol.BroadcastTarget {
		rt.routeBroadcast(env, from)
	} else {
		rt.routeDirect(env, from)
	}
}

// routeBroadcast delivers to every local session, then propagates through the
// mesh. A broadcast that originated here fans out to every link; one that
// arrived from a peer continues to all links except the one it came in on,
// and only while it is still traveling away from its origin. Relaying stops
// the moment an envelope would head back toward its origin server, which is
// what prevents infinite re-relay loops.
func (rt *Router) routeBroadcast(env *protocol.Envelope, from *Link) {
	rt.deliverToAll(env)

	switch {
	case from == nil:
		rt.mesh.Relay(env, nil)
		rt.metrics.RecordRouted("relay")
	case env.OriginServer != rt.serverName:
		rt.mesh.Relay(env, from)
		rt.metrics.RecordRouted("relay")
	}
}

// routeDirect attempts local delivery by display name or ID, then decides
// whether the mesh still needs to see the envelope. Messages that originated
// here always go to the full mesh, even after a local match: names are not
// globally unique, and the intended recipient may live elsewhere. Messages
// from a peer continue through the remaining links only while undelivered.
// A direct message that matches nobody anywhere is dropped after one pass
// through the reachable mesh; no delivery receipt exists in this design.
func (rt *Router) routeDirect(env *protocol.Envelope, from *Link) {
	delivered := false
	if target := rt.registry.FindSession(env.To); target != nil {
		delivered = target.Send(env)
		if !delivered {
			rt.dropDeadSession(target)
		}
	}

	if delivered {
		rt.metrics.RecordRouted("local")
	}

	switch {
	case from == nil:
		rt.mesh.Relay(env, nil)
		rt.metrics.RecordRouted("relay")
	case !delivered && env.OriginServer != rt.serverName:
		rt.mesh.Relay(env, from)
		rt.metrics.RecordRouted("relay")
	case !delivered:
		// Came back around without finding a recipient. End of the line.
		rt.metrics.RecordRouted("dropped")
	}
}

// deliverToAll sends the envelope to every local session. Each session has
// its own queue and write pump, so one slow client cannot stall the rest;
// sessions whose queue is full are treated as dead and dropped.
func (rt *Router) deliverToAll(env *protocol.Envelope) {
	sessions := rt.registry.Sessions()

	var dead []*Session
	delivered := 0
	for _, sess := range sessions {
		if sess.Send(env) {
			delivered++
		} else {
			dead = append(dead, sess)
		}
	}

	if delivered > 0 {
		rt.metrics.RecordRouted("local")
	}
	rt.metrics.RecordLocalFanout(delivered)

	for _, sess := range dead {
		rt.dropDeadSession(sess)
	}
}

// dropDeadSession evicts a session that stopped draining its queue. Closing
// the transport wakes the session's receive loop, which runs the normal
// disconnect cleanup (registry removal, mesh notification).
func (rt *Router) dropDeadSession(sess *Session) {
	rt.events.Addf("Client %s dropped (send queue full)", sess.ID)
	sess.close()
}
