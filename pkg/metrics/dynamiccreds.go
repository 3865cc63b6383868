package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DynamicCredsMetrics contains metrics for the Dynamic-Credential Agent (C8):
// lease lifecycle and the backing driver connection-pool cache.
type DynamicCredsMetrics struct {
	LeasesGeneratedTotal *prometheus.CounterVec // engine, status
	LeasesRevokedTotal   *prometheus.CounterVec // engine, reason
	LeasesRenewedTotal   *prometheus.CounterVec // engine, status

	PoolCacheSize      prometheus.Gauge
	PoolCacheEvictions prometheus.Counter
	DecryptFailuresTotal prometheus.Counter
}

// NewDynamicCredsMetrics creates the dynamic-credentials metrics.
func NewDynamicCredsMetrics(namespace string) *DynamicCredsMetrics {
	return &DynamicCredsMetrics{
		LeasesGeneratedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dynamic_creds",
				Name:      "leases_generated_total",
				Help:      "Total number of dynamic credential leases generated",
			},
			[]string{"engine", "status"},
		),
		LeasesRevokedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dynamic_creds",
				Name:      "leases_revoked_total",
				Help:      "Total number of dynamic credential leases revoked",
			},
			[]string{"engine", "reason"},
		),
		LeasesRenewedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dynamic_creds",
				Name:      "leases_renewed_total",
				Help:      "Total number of dynamic credential lease renewals",
			},
			[]string{"engine", "status"},
		),
		PoolCacheSize: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dynamic_creds",
			Name:      "pool_cache_size",
			Help:      "Current number of cached database connection pools",
		}),
		PoolCacheEvictions: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dynamic_creds",
			Name:      "pool_cache_evictions_total",
			Help:      "Total number of database connection pools evicted from the idle cache",
		}),
		DecryptFailuresTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dynamic_creds",
			Name:      "decrypt_failures_total",
			Help:      "Total number of encrypted config envelope decrypt failures",
		}),
	}
}
