package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/benleibowitz/meshchat/pkg/protocol"
)

var debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)

// Server is one node of the chat mesh: it accepts client connections,
// maintains peer links, and forwards messages to the correct recipient
// regardless of which server that recipient is attached to.
type Server struct {
	config   Config
	registry *Registry
	mesh     *Mesh
	router   *Router
	presence *PresenceAggregator
	metrics  *Metrics
	events   *EventLog

	listener   net.Listener
	httpServer *http.Server
	startTime  time.Time

	shutdown chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Status is a read-only snapshot of the server for display layers.
type Status struct {
	Name     string
	Port     int
	Uptime   time.Duration
	Sessions []SessionInfo
	Links    []LinkInfo
	Events   []string
}

// NewServer creates a server instance. Nothing listens until Start.
func NewServer(config Config) *Server {
	metrics := NewMetrics()
	events := NewEventLog(config.EventLogSize)
	registry := NewRegistry(config.Port, config.SendQueueSize)
	mesh := NewMesh(config.Name, config.Port, registry, metrics, events, config.SendQueueSize)

	s := &Server{
		config:   config,
		registry: registry,
		mesh:     mesh,
		router:   NewRouter(config.Name, registry, mesh, metrics, events),
		presence: NewPresenceAggregator(config.Name, registry, mesh, metrics, config.PresenceWindow),
		metrics:  metrics,
		events:   events,
		shutdown: make(chan struct{}),
	}
	mesh.SetHandler(s.handleLinkEnvelope)

	return s
}

// EnableDebugLogging turns on verbose per-envelope logging.
func (s *Server) EnableDebugLogging() {
	debugLog = log.New(os.Stderr, "DEBUG: ", log.LstdFlags|log.Lmicroseconds)
}

// Start binds the listener and begins serving clients and peer links. It
// then attempts one outbound link per configured peer; connect failures are
// logged, not retried.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.startTime = time.Now()

	// Port 0 means "pick one"; fix up the dedup identity to match.
	actualPort := listener.Addr().(*net.TCPAddr).Port
	if actualPort != s.config.Port {
		s.config.Port = actualPort
		s.registry.SetOwnPort(actualPort)
		s.mesh.SetOwnPort(actualPort)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleClientWS)
	mux.HandleFunc("/mesh", s.handleMeshWS)
	mux.HandleFunc("/healthz", s.HealthHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))

	s.httpServer = &http.Server{Handler: mux}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			select {
			case <-s.shutdown:
			default:
				log.Printf("HTTP server error: %v", err)
			}
		}
	}()

	log.Printf("Server %s listening on :%d", s.config.Name, s.config.Port)
	s.events.Addf("Starting server %s on port %d", s.config.Name, s.config.Port)

	for _, peer := range s.config.Peers {
		host, port, err := splitPeerAddr(peer)
		if err != nil {
			log.Printf("Skipping peer %q: %v", peer, err)
			continue
		}
		if err := s.mesh.ConnectTo(host, port); err != nil {
			log.Printf("Failed to connect to %s: %v", peer, err)
		}
	}

	return nil
}

// Stop closes the listener and tears down every session and link. Safe to
// call more than once.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		close(s.shutdown)

		if s.httpServer != nil {
			s.httpServer.Close()
		}

		for _, sess := range s.registry.Sessions() {
			s.registry.RemoveClient(sess.ID)
			sess.close()
		}
		for _, link := range s.registry.Links() {
			s.registry.RemoveLink(link.Port)
			link.close()
		}

		s.wg.Wait()
	})
	return nil
}

// Port returns the bound port, useful when the server was started with
// port 0.
func (s *Server) Port() int {
	return s.config.Port
}

// Addr returns the listener address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// ConnectTo links this server to a peer at host:port.
func (s *Server) ConnectTo(host string, port int) error {
	return s.mesh.ConnectTo(host, port)
}

// Status returns a consistent snapshot for display layers.
func (s *Server) Status() Status {
	snap := s.registry.Snapshot()
	return Status{
		Name:     s.config.Name,
		Port:     s.config.Port,
		Uptime:   time.Since(s.startTime),
		Sessions: snap.Sessions,
		Links:    snap.Links,
		Events:   s.events.Entries(),
	}
}

// handleClientWS upgrades a client connection and runs its session until the
// transport closes.
func (s *Server) handleClientWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	conn := newWSConn(ws)
	sess := s.registry.RegisterClient(conn)

	sessions, _ := s.registry.Counts()
	s.metrics.RecordSessionCreated()
	s.metrics.RecordActiveSessions(sessions)
	s.events.Addf("Client %s connected", sess.ID)
	debugLog.Printf("Client %s connected from %s", sess.ID, conn.RemoteAddr())

	// Welcome goes out before the write pump starts; no concurrent writer
	// exists yet.
	welcome := &protocol.Envelope{
		Type:     protocol.TypeWelcome,
		ClientID: sess.ID,
		Server:   s.config.Name,
		Message:  fmt.Sprintf("Connected to %s", s.config.Name),
	}
	if err := conn.WriteEnvelope(welcome); err != nil {
		s.removeSession(sess)
		return
	}

	s.mesh.Relay(&protocol.Envelope{
		Type:     protocol.TypeClientConnected,
		ClientID: sess.ID,
		Server:   s.config.Name,
	}, nil)

	go sess.writePump()
	s.sessionReadLoop(sess)
	s.removeSession(sess)
}

// sessionReadLoop consumes envelopes from one client until the transport
// errors. Protocol errors are answered in place and never end the loop.
func (s *Server) sessionReadLoop(sess *Session) {
	for {
		raw, err := sess.conn.ReadRaw()
		if err != nil {
			debugLog.Printf("Client %s read error: %v", sess.ID, err)
			return
		}

		env, err := protocol.Decode(raw)
		if err != nil {
			sess.Send(protocol.NewError("Invalid message format"))
			s.metrics.RecordProtocolError("session")
			debugLog.Printf("Client %s sent malformed envelope: %v", sess.ID, err)
			continue
		}

		s.handleClientEnvelope(sess, env)
	}
}

// removeSession runs the one-time disconnect cleanup for a session: registry
// removal, transport close, and the client_disconnected broadcast. Terminal;
// the ID is never reassigned.
func (s *Server) removeSession(sess *Session) {
	s.registry.RemoveClient(sess.ID)
	sess.close()

	sessions, _ := s.registry.Counts()
	s.metrics.RecordSessionDisconnected()
	s.metrics.RecordActiveSessions(sessions)
	s.events.Addf("Client %s disconnected", sess.ID)

	s.mesh.Relay(&protocol.Envelope{
		Type:     protocol.TypeClientDisconnected,
		ClientID: sess.ID,
		Server:   s.config.Name,
	}, nil)
}

// handleMeshWS upgrades an inbound peer connection and hands it to the mesh
// manager.
func (s *Server) handleMeshWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Mesh upgrade failed: %v", err)
		return
	}

	if err := s.mesh.AcceptLink(newWSConn(ws)); err != nil {
		debugLog.Printf("Inbound link rejected: %v", err)
	}
}

// HealthHandler serves health check status.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	sessions, links := s.registry.Counts()
	health := map[string]interface{}{
		"status":          "healthy",
		"server_name":     s.config.Name,
		"uptime_seconds":  int64(time.Since(s.startTime).Seconds()),
		"active_sessions": sessions,
		"active_links":    links,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(health); err != nil {
		log.Printf("Error encoding health JSON: %v", err)
	}
}

func splitPeerAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid peer address: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return "", 0, fmt.Errorf("invalid peer port %q", portStr)
	}
	return host, port, nil
}
