package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for one server instance. Each server
// gets its own registry so multiple instances can share a process (tests run
// whole meshes in-process).
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	activeSessions       prometheus.Gauge
	sessionsCreated      prometheus.Counter
	sessionsDisconnected prometheus.Counter

	// Link metrics
	activeLinks      prometheus.Gauge
	linksEstablished prometheus.Counter
	linksClosed      prometheus.Counter

	// Routing metrics
	messagesRouted *prometheus.CounterVec // by decision
	relayFanout    prometheus.Histogram
	localFanout    prometheus.Histogram
	protocolErrors *prometheus.CounterVec // by connection kind

	// Presence metrics
	presenceDuration prometheus.Histogram
}

// NewMetrics creates a metrics instance backed by its own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meshchat_active_sessions",
			Help: "Current number of connected client sessions",
		}),
		sessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshchat_sessions_created_total",
			Help: "Total number of client sessions accepted",
		}),
		sessionsDisconnected: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshchat_sessions_disconnected_total",
			Help: "Total number of client sessions closed",
		}),
		activeLinks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meshchat_active_links",
			Help: "Current number of peer server links",
		}),
		linksEstablished: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshchat_links_established_total",
			Help: "Total number of peer links established (either direction)",
		}),
		linksClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshchat_links_closed_total",
			Help: "Total number of peer links closed",
		}),
		messagesRouted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshchat_messages_routed_total",
				Help: "Total chat envelopes routed, by delivery decision",
			},
			[]string{"decision"}, // "local", "relay", "dropped"
		),
		relayFanout: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "meshchat_relay_fanout",
			Help:    "Number of peer links each relayed envelope was sent to",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50},
		}),
		localFanout: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "meshchat_local_fanout",
			Help:    "Number of local sessions each broadcast was delivered to",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250},
		}),
		protocolErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshchat_protocol_errors_total",
				Help: "Total malformed envelopes received, by connection kind",
			},
			[]string{"kind"}, // "session" or "link"
		),
		presenceDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "meshchat_presence_query_duration_seconds",
			Help:    "Time from presence query fan-out to merged reply",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Registry exposes the backing registry for the /metrics endpoint.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordActiveSessions updates the active session count.
func (m *Metrics) RecordActiveSessions(count int) {
	m.activeSessions.Set(float64(count))
}

// RecordSessionCreated increments the session creation counter.
func (m *Metrics) RecordSessionCreated() {
	m.sessionsCreated.Inc()
}

// RecordSessionDisconnected increments the session disconnection counter.
func (m *Metrics) RecordSessionDisconnected() {
	m.sessionsDisconnected.Inc()
}

// RecordActiveLinks updates the active link count.
func (m *Metrics) RecordActiveLinks(count int) {
	m.activeLinks.Set(float64(count))
}

// RecordLinkEstablished increments the link establishment counter.
func (m *Metrics) RecordLinkEstablished() {
	m.linksEstablished.Inc()
}

// RecordLinkClosed increments the link closure counter.
func (m *Metrics) RecordLinkClosed() {
	m.linksClosed.Inc()
}

// RecordRouted counts one routing decision for a chat envelope.
func (m *Metrics) RecordRouted(decision string) {
	m.messagesRouted.WithLabelValues(decision).Inc()
}

// RecordRelayFanout records how many links one relay reached.
func (m *Metrics) RecordRelayFanout(count int) {
	m.relayFanout.Observe(float64(count))
}

// RecordLocalFanout records how many sessions one broadcast reached.
func (m *Metrics) RecordLocalFanout(count int) {
	m.localFanout.Observe(float64(count))
}

// RecordProtocolError counts one malformed envelope by connection kind.
func (m *Metrics) RecordProtocolError(kind string) {
	m.protocolErrors.WithLabelValues(kind).Inc()
}

// RecordPresenceDuration records how long a presence query took end to end.
func (m *Metrics) RecordPresenceDuration(seconds float64) {
	m.presenceDuration.Observe(seconds)
}
