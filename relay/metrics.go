package relay

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Frame sources.
const (
	sourceWS  = "ws"
	sourceBus = "bus"
)

// Metrics are the relay's Prometheus collectors.
type Metrics struct {
	Frames      *prometheus.CounterVec
	Connections prometheus.Gauge
	Rooms       prometheus.Gauge
	Evictions   prometheus.Counter
	Disconnects prometheus.Counter
}

// NewMetrics creates the relay collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "awarenessd",
			Subsystem: "relay",
			Name:      "frames_total",
			Help:      "Inbound awareness frames by source and outcome.",
		}, []string{"source", "outcome"}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "awarenessd",
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Open websocket connections.",
		}),
		Rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "awarenessd",
			Subsystem: "relay",
			Name:      "rooms",
			Help:      "Rooms with at least one local connection.",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "awarenessd",
			Subsystem: "relay",
			Name:      "evictions_total",
			Help:      "Peers removed after the awareness timeout.",
		}),
		Disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "awarenessd",
			Subsystem: "relay",
			Name:      "disconnect_removals_total",
			Help:      "Peers removed because their connection closed.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Frames, m.Connections, m.Rooms, m.Evictions, m.Disconnects)
	}
	return m
}
