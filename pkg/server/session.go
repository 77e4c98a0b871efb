package server

import (
	"sync"
	"time"

	"github.com/benleibowitz/meshchat/pkg/protocol"
)

// Session represents one connected client on this server. It is owned by the
// server that accepted the connection and never replicated; the ID stays
// stable for the connection's lifetime and is not reused after disconnect.
type Session struct {
	ID          string
	ConnectedAt time.Time

	conn *wsConn
	send chan *protocol.Envelope

	mu          sync.RWMutex // protects displayName
	displayName string

	closeOnce sync.Once
	done      chan struct{}
}

// DisplayName returns the session's current display name, empty until the
// client sends set_name.
func (s *Session) DisplayName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.displayName
}

// SetDisplayName updates the session's display name.
func (s *Session) SetDisplayName(name string) {
	s.mu.Lock()
	s.displayName = name
	s.mu.Unlock()
}

// SenderName is the name stamped into outbound chat envelopes: the display
// name when set, the session ID otherwise.
func (s *Session) SenderName() string {
	if name := s.DisplayName(); name != "" {
		return name
	}
	return s.ID
}

// Matches reports whether the session answers to the given recipient, either
// by display name or by ID.
func (s *Session) Matches(target string) bool {
	return s.ID == target || s.DisplayName() == target
}

// Send enqueues an envelope for delivery without blocking. It returns false
// when the session is closed or its queue is full; the caller treats a false
// return as a dead session.
func (s *Session) Send(env *protocol.Envelope) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.send <- env:
		return true
	default:
		return false
	}
}

// writePump drains the send queue onto the transport. One per session; it
// exits when the session closes or a write fails.
func (s *Session) writePump() {
	for {
		select {
		case <-s.done:
			return
		case env := <-s.send:
			if err := s.conn.WriteEnvelope(env); err != nil {
				s.close()
				return
			}
		}
	}
}

// close tears down the transport. Terminal: the session object is discarded
// afterwards. Safe to call from any goroutine, any number of times.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.conn != nil {
			s.conn.Close()
		}
	})
}

// Closed reports whether the session has been torn down.
func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
