package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// EventChannelMetrics contains metrics for the outbound websocket event
// channel to /v1/ws/agent (C5).
type EventChannelMetrics struct {
	ConnectedGauge     prometheus.Gauge // 1 connected, 0 disconnected
	ReconnectsTotal    prometheus.Counter
	EventsReceivedTotal *prometheus.CounterVec // event_type
	HeartbeatsTotal    prometheus.Counter
	PongTimeoutsTotal  prometheus.Counter
}

// NewEventChannelMetrics creates the event-channel metrics.
func NewEventChannelMetrics(namespace string) *EventChannelMetrics {
	return &EventChannelMetrics{
		ConnectedGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "event_channel",
			Name:      "connected",
			Help:      "Whether the agent currently has a live websocket connection to the vault (1) or not (0)",
		}),
		ReconnectsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "event_channel",
			Name:      "reconnects_total",
			Help:      "Total number of websocket reconnect attempts",
		}),
		EventsReceivedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "event_channel",
				Name:      "events_received_total",
				Help:      "Total number of events received over the websocket channel",
			},
			[]string{"event_type"},
		),
		HeartbeatsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "event_channel",
			Name:      "heartbeats_total",
			Help:      "Total number of heartbeat pings sent on the websocket channel",
		}),
		PongTimeoutsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "event_channel",
			Name:      "pong_timeouts_total",
			Help:      "Total number of heartbeat pongs that were not received in time",
		}),
	}
}
