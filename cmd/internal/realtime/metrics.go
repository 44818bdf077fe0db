package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "relay"

// Metrics groups the realtime collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	OnlineConnections     prometheus.Gauge
	Registrations         *prometheus.CounterVec
	MessagesPersisted     *prometheus.CounterVec
	Deliveries            *prometheus.CounterVec
	ConversationsResolved *prometheus.CounterVec
	PersistenceFailures   *prometheus.CounterVec
	RoomMembers           prometheus.Gauge
}

// NewMetrics registers the realtime collectors on reg.
// A nil reg gets a private registry so tests can build many instances.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		OnlineConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "online_connections",
			Help:      "Registered live connections.",
		}),
		Registrations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "registrations_total",
			Help:      "registerUser outcomes.",
		}, []string{"result"}),
		MessagesPersisted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_persisted_total",
			Help:      "Messages written to the store.",
		}, []string{"kind"}),
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "deliveries_total",
			Help:      "Outbound events handed to connection queues.",
		}, []string{"event"}),
		ConversationsResolved: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "conversations_resolved_total",
			Help:      "Conversation resolutions by outcome.",
		}, []string{"outcome"}),
		PersistenceFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "persistence_failures_total",
			Help:      "Store operations that failed.",
		}, []string{"op"}),
		RoomMembers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "room_members",
			Help:      "Room subscriptions across all groups.",
		}),
	}
}

func (m *Metrics) setOnline(n int) {
	if m == nil {
		return
	}
	m.OnlineConnections.Set(float64(n))
}

func (m *Metrics) registration(result string) {
	if m == nil {
		return
	}
	m.Registrations.WithLabelValues(result).Inc()
}

func (m *Metrics) persisted(kind string) {
	if m == nil {
		return
	}
	m.MessagesPersisted.WithLabelValues(kind).Inc()
}

func (m *Metrics) delivered(event string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Deliveries.WithLabelValues(event).Add(float64(n))
}

func (m *Metrics) resolved(outcome string) {
	if m == nil {
		return
	}
	m.ConversationsResolved.WithLabelValues(outcome).Inc()
}

func (m *Metrics) persistenceFailed(op string) {
	if m == nil {
		return
	}
	m.PersistenceFailures.WithLabelValues(op).Inc()
}

func (m *Metrics) setRoomMembers(n int) {
	if m == nil {
		return
	}
	m.RoomMembers.Set(float64(n))
}
