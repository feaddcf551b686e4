package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the relay's Prometheus instruments.
type Metrics struct {
	connections prometheus.Gauge
	rooms       prometheus.Gauge
	frames      *prometheus.CounterVec
	votes       *prometheus.CounterVec
	rejected    *prometheus.CounterVec
	stories     prometheus.Counter
}

// NewMetrics registers the relay metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "storysync",
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Open collaborator websocket connections",
		}),
		rooms: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "storysync",
			Subsystem: "relay",
			Name:      "rooms",
			Help:      "Sessions with a live room on this process",
		}),
		frames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storysync",
			Subsystem: "relay",
			Name:      "frames_total",
			Help:      "Inbound frames by type",
		}, []string{"type"}),
		votes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storysync",
			Subsystem: "relay",
			Name:      "votes_total",
			Help:      "Closed finalize votes by outcome",
		}, []string{"outcome"}),
		rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storysync",
			Subsystem: "relay",
			Name:      "connections_rejected_total",
			Help:      "Refused websocket connections by reason",
		}, []string{"reason"}),
		stories: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "storysync",
			Subsystem: "relay",
			Name:      "stories_finalized_total",
			Help:      "Stories saved by a successful vote",
		}),
	}
}

// The helpers below accept a nil receiver so metrics stay optional.

func (m *Metrics) connOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) connClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) roomOpened() {
	if m != nil {
		m.rooms.Inc()
	}
}

func (m *Metrics) roomClosed() {
	if m != nil {
		m.rooms.Dec()
	}
}

func (m *Metrics) frame(typ string) {
	if m != nil {
		m.frames.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) voteClosed(outcome string) {
	if m != nil {
		m.votes.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) refused(reason string) {
	if m != nil {
		m.rejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) storySaved() {
	if m != nil {
		m.stories.Inc()
	}
}
