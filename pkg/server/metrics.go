package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the relay's Prometheus collectors. A nil *Metrics is valid and
// records nothing, which keeps tests free of registry conflicts.
type Metrics struct {
	registry *prometheus.Registry

	activeSessions    prometheus.Gauge
	registeredUsers   prometheus.Gauge
	sessionsTotal     *prometheus.CounterVec
	envelopesReceived *prometheus.CounterVec
	repliesSent       *prometheus.CounterVec
	deliveryFailures  *prometheus.CounterVec
	decodeErrors      prometheus.Counter
	historyLines      prometheus.Gauge
	privateLogs       prometheus.Gauge
}

// NewMetrics creates collectors on a fresh registry that also carries the Go
// runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatrelay",
			Name:      "active_sessions",
			Help:      "Connections currently open, registered or not.",
		}),
		registeredUsers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatrelay",
			Name:      "registered_users",
			Help:      "Names currently present in the directory.",
		}),
		sessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Name:      "sessions_total",
			Help:      "Connections accepted, by transport.",
		}, []string{"transport"}),
		envelopesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Name:      "intents_received_total",
			Help:      "Client intents decoded, by kind.",
		}, []string{"kind"}),
		repliesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Name:      "replies_sent_total",
			Help:      "Server replies written to a connection, by kind.",
		}, []string{"kind"}),
		deliveryFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Name:      "delivery_failures_total",
			Help:      "Replies that could not be enqueued for a target, by kind.",
		}, []string{"kind"}),
		decodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Name:      "decode_errors_total",
			Help:      "Connections closed because a frame could not be decoded.",
		}),
		historyLines: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatrelay",
			Name:      "history_global_lines",
			Help:      "Lines held in the global broadcast history.",
		}),
		privateLogs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatrelay",
			Name:      "history_private_logs",
			Help:      "Per-user private histories held in memory.",
		}),
	}
}

// Registry returns the registry to expose over HTTP
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordActiveSessions sets the open connection count
func (m *Metrics) RecordActiveSessions(count int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(count))
}

// RecordSessionCreated counts an accepted connection
func (m *Metrics) RecordSessionCreated(transport string) {
	if m == nil {
		return
	}
	m.sessionsTotal.WithLabelValues(transport).Inc()
}

// RecordIntentReceived counts a decoded client intent
func (m *Metrics) RecordIntentReceived(kind string) {
	if m == nil {
		return
	}
	m.envelopesReceived.WithLabelValues(kind).Inc()
}

// RecordReplySent counts a reply written to a socket
func (m *Metrics) RecordReplySent(kind string) {
	if m == nil {
		return
	}
	m.repliesSent.WithLabelValues(kind).Inc()
}

// RecordDeliveryFailure counts a reply dropped during fan-out
func (m *Metrics) RecordDeliveryFailure(kind string) {
	if m == nil {
		return
	}
	m.deliveryFailures.WithLabelValues(kind).Inc()
}

// RecordDecodeError counts a connection lost to an undecodable frame
func (m *Metrics) RecordDecodeError() {
	if m == nil {
		return
	}
	m.decodeErrors.Inc()
}

// RecordState publishes directory and history sizes
func (m *Metrics) RecordState(users, globalLines, privateLogs int) {
	if m == nil {
		return
	}
	m.registeredUsers.Set(float64(users))
	m.historyLines.Set(float64(globalLines))
	m.privateLogs.Set(float64(privateLogs))
}
