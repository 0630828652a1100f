package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the realtime instrumentation surface.
// A nil *Metrics is valid and turns every update into a no-op, so tests can
// construct a Bus without a registry.
type Metrics struct {
	Connections       prometheus.Gauge
	Presence          prometheus.Gauge
	Typing            prometheus.Gauge
	HistoryLength     prometheus.Gauge
	Messages          *prometheus.CounterVec
	DroppedDeliveries prometheus.Counter
}

// NewMetrics registers the realtime metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "rtchat_connections",
			Help: "Number of attached websocket connections.",
		}),
		Presence: f.NewGauge(prometheus.GaugeOpts{
			Name: "rtchat_presence",
			Help: "Number of joined participants.",
		}),
		Typing: f.NewGauge(prometheus.GaugeOpts{
			Name: "rtchat_typing",
			Help: "Number of participants currently flagged as typing.",
		}),
		HistoryLength: f.NewGauge(prometheus.GaugeOpts{
			Name: "rtchat_history_length",
			Help: "Messages currently held by the bounded history buffer.",
		}),
		Messages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rtchat_messages_total",
			Help: "Confirmed messages by visibility.",
		}, []string{"visibility"}),
		DroppedDeliveries: f.NewCounter(prometheus.CounterOpts{
			Name: "rtchat_dropped_deliveries_total",
			Help: "Per-connection deliveries dropped under backpressure.",
		}),
	}
}

func (m *Metrics) addConnections(d float64) {
	if m == nil {
		return
	}
	m.Connections.Add(d)
}

func (m *Metrics) setPresence(n int) {
	if m == nil {
		return
	}
	m.Presence.Set(float64(n))
}

func (m *Metrics) setTyping(n int) {
	if m == nil {
		return
	}
	m.Typing.Set(float64(n))
}

func (m *Metrics) setHistoryLength(n int) {
	if m == nil {
		return
	}
	m.HistoryLength.Set(float64(n))
}

func (m *Metrics) countMessage(visibility string) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(visibility).Inc()
}

func (m *Metrics) countDropped() {
	if m == nil {
		return
	}
	m.DroppedDeliveries.Inc()
}
