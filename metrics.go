package bililive

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "bililive"

// Metrics holds the Prometheus collectors shared by sessions and publishers.
// Create one per registry and pass it to every session with MetricsOption.
// A nil *Metrics records nothing.
type Metrics struct {
	framesReceived    *prometheus.CounterVec
	malformedFrames   prometheus.Counter
	malformedMessages prometheus.Counter
	commands          *prometheus.CounterVec
	handlerFailures   *prometheus.CounterVec
	heartbeatsSent    prometheus.Counter
	heartbeatFailures prometheus.Counter
	popularity        *prometheus.GaugeVec
	activeSessions    prometheus.Gauge
	chatPosts         *prometheus.CounterVec
}

// NewMetrics registers the client collectors with reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		framesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_received_total",
			Help:      "Frames decoded from the feed by operation",
		}, []string{"operation"}),
		malformedFrames: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "malformed_frames_total",
			Help:      "Deliveries whose framing could not be decoded",
		}),
		malformedMessages: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "malformed_messages_total",
			Help:      "MESSAGE payloads that were not command objects",
		}),
		commands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "commands_total",
			Help:      "Commands received by cmd key",
		}, []string{"cmd"}),
		handlerFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "handler_failures_total",
			Help:      "Handler errors and panics by cmd key",
		}, []string{"cmd"}),
		heartbeatsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "heartbeats_sent_total",
			Help:      "Heartbeat frames written",
		}),
		heartbeatFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "heartbeat_failures_total",
			Help:      "Heartbeat frames that failed to send",
		}),
		popularity: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "room_popularity",
			Help:      "Popularity reported in the latest heartbeat reply",
		}, []string{"room"}),
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_sessions",
			Help:      "Sessions currently joined to a room",
		}),
		chatPosts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "chat_posts_total",
			Help:      "Outbound chat chunks by result",
		}, []string{"result"}),
	}
}

func (m *Metrics) frameReceived(op Operation) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(op.String()).Inc()
}

func (m *Metrics) malformedFrame() {
	if m == nil {
		return
	}
	m.malformedFrames.Inc()
}

func (m *Metrics) malformedMessage() {
	if m == nil {
		return
	}
	m.malformedMessages.Inc()
}

func (m *Metrics) command(cmd string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(cmd).Inc()
}

func (m *Metrics) handlerFailed(cmd string) {
	if m == nil {
		return
	}
	m.handlerFailures.WithLabelValues(cmd).Inc()
}

func (m *Metrics) heartbeatSent() {
	if m == nil {
		return
	}
	m.heartbeatsSent.Inc()
}

func (m *Metrics) heartbeatFailed() {
	if m == nil {
		return
	}
	m.heartbeatFailures.Inc()
}

func (m *Metrics) setPopularity(room string, v uint32) {
	if m == nil {
		return
	}
	m.popularity.WithLabelValues(room).Set(float64(v))
}

func (m *Metrics) sessionJoined() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

func (m *Metrics) sessionLeft() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

func (m *Metrics) chatPost(result string) {
	if m == nil {
		return
	}
	m.chatPosts.WithLabelValues(result).Inc()
}
