package server

import (
	"fmt"
	"time"

	"github.com/benleibowitz/meshchat/pkg/protocol"
)

// handleClientEnvelope dispatches one decoded envelope from a local client.
func (s *Server) handleClientEnvelope(sess *Session, env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeSetName:
		s.handleSetName(sess, env)
	case protocol.TypeChatMessage:
		s.handleChatMessage(sess, env)
	case protocol.TypeListUsersRequest:
		s.handleListUsers(sess)
	default:
		// Clients only send the three types above; anything else is a
		// protocol error, answered without closing the connection.
		sess.Send(protocol.NewError(fmt.Sprintf("Unexpected message type %q", env.Type)))
		s.metrics.RecordProtocolError("session")
	}
}

func (s *Server) handleSetName(sess *Session, env *protocol.Envelope) {
	if len(env.Name) > s.config.MaxNameLength {
		sess.Send(protocol.NewError(fmt.Sprintf("Name exceeds %d characters", s.config.MaxNameLength)))
		return
	}

	sess.SetDisplayName(env.Name)
	s.events.Addf("Client %s set name to %s", sess.ID, env.Name)
}

// handleChatMessage stamps the sender identity, origin server, and timestamp
// onto a fresh envelope and hands it to the routing engine. The client's
// envelope is never forwarded as-is.
func (s *Server) handleChatMessage(sess *Session, env *protocol.Envelope) {
	if len(env.Content) > s.config.MaxMessageLength {
		sess.Send(protocol.NewError(fmt.Sprintf("Message exceeds %d bytes", s.config.MaxMessageLength)))
		return
	}

	stamped := &protocol.Envelope{
		Type:         protocol.TypeChatMessage,
		Content:      env.Content,
		To:           env.To,
		From:         sess.SenderName(),
		OriginServer: s.config.Name,
		Timestamp:    time.Now().UTC(),
	}

	s.events.Addf("Message from %s to %s", stamped.From, stamped.To)
	s.router.Route(stamped, nil)
}

// handleListUsers answers a presence query. Gathering waits out the
// collection window, so it runs on its own goroutine; only the requester's
// reply is delayed, never the session's read loop or the server.
func (s *Server) handleListUsers(sess *Session) {
	go func() {
		users := s.presence.Gather()
		sess.Send(&protocol.Envelope{
			Type:   protocol.TypeUserList,
			Server: s.config.Name,
			Users:  users,
		})
	}()
}

// handleLinkEnvelope dispatches one decoded envelope that arrived on a peer
// link. The link it arrived on travels along as provenance so the router can
// avoid echoing traffic back the way it came.
func (s *Server) handleLinkEnvelope(env *protocol.Envelope, from *Link) {
	switch env.Type {
	case protocol.TypeChatMessage:
		s.router.Route(env, from)
	case protocol.TypeListUsersRequest:
		// A peer is collecting presence; answer with our local sessions
		// over the same link.
		from.Send(s.presence.Reply(env))
	case protocol.TypeUserList:
		s.presence.Absorb(env)
	case protocol.TypeClientConnected:
		s.events.Addf("Client %s connected on server %s", env.ClientID, env.Server)
	case protocol.TypeClientDisconnected:
		s.events.Addf("Client %s disconnected from server %s", env.ClientID, env.Server)
	case protocol.TypeError:
		debugLog.Printf("Error from server %s: %s", from.label(), env.Message)
	default:
		debugLog.Printf("Dropping unexpected %q envelope from server %s", env.Type, from.label())
	}
}
