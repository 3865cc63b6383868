package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ManagedKeyMetrics contains metrics for the Managed-Key Controller (C7).
type ManagedKeyMetrics struct {
	RotationsTotal       *prometheus.CounterVec // source: initial|ws_event|grace_poll|heartbeat|reconnect
	WSEventsTotal        prometheus.Counter
	PollFallbacksTotal   *prometheus.CounterVec // source
	RefreshFailuresTotal *prometheus.CounterVec // source
	GracePollsTotal      prometheus.Counter
	HeartbeatChecksTotal prometheus.Counter

	Stale                 prometheus.Gauge
	GraceRemainingSeconds prometheus.Gauge
	LastRotationTimestamp prometheus.Gauge
}

// NewManagedKeyMetrics creates the managed-key controller metrics.
func NewManagedKeyMetrics(namespace string) *ManagedKeyMetrics {
	return &ManagedKeyMetrics{
		RotationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "managed_key",
				Name:      "rotations_total",
				Help:      "Total number of managed API key rotations applied, by trigger source",
			},
			[]string{"source"},
		),
		WSEventsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "managed_key",
			Name:      "ws_events_total",
			Help:      "Total number of key-rotation events received over the event channel",
		}),
		PollFallbacksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "managed_key",
				Name:      "poll_fallbacks_total",
				Help:      "Total number of times the controller fell back to polling for a rotation",
			},
			[]string{"source"},
		),
		RefreshFailuresTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "managed_key",
				Name:      "refresh_failures_total",
				Help:      "Total number of failed attempts to bind or refresh the managed key",
			},
			[]string{"source"},
		),
		GracePollsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "managed_key",
			Name:      "grace_polls_total",
			Help:      "Total number of safety polls performed during a key's grace period",
		}),
		HeartbeatChecksTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "managed_key",
			Name:      "heartbeat_checks_total",
			Help:      "Total number of heartbeat-freshness checks performed",
		}),
		Stale: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "managed_key",
			Name:      "stale",
			Help:      "1 if the bound key is past its next rotation time with no confirmed refresh, 0 otherwise",
		}),
		GraceRemainingSeconds: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "managed_key",
			Name:      "grace_remaining_seconds",
			Help:      "Seconds remaining in the current key's grace period, 0 if none is active",
		}),
		LastRotationTimestamp: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "managed_key",
			Name:      "last_rotation_timestamp_seconds",
			Help:      "Unix timestamp of the last applied key rotation",
		}),
	}
}
