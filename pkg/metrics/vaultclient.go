package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// VaultClientMetrics contains metrics for outbound calls to the vault API (C1).
type VaultClientMetrics struct {
	RequestsTotal      *prometheus.CounterVec   // operation, status
	RequestDuration    *prometheus.HistogramVec // operation
	RetriesTotal       *prometheus.CounterVec   // operation
	AuthFailuresTotal  prometheus.Counter
	TokenRefreshTotal  prometheus.Counter
	TokenCacheHitTotal prometheus.Counter
}

// NewVaultClientMetrics creates the vault-client metrics.
func NewVaultClientMetrics(namespace string) *VaultClientMetrics {
	return &VaultClientMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "vault_client",
				Name:      "requests_total",
				Help:      "Total number of requests issued to the vault API",
			},
			[]string{"operation", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "vault_client",
				Name:      "request_duration_seconds",
				Help:      "Duration of vault API requests in seconds",
				Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"operation"},
		),
		RetriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "vault_client",
				Name:      "retries_total",
				Help:      "Total number of retry attempts against the vault API",
			},
			[]string{"operation"},
		),
		AuthFailuresTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vault_client",
			Name:      "auth_failures_total",
			Help:      "Total number of authentication failures against the vault API",
		}),
		TokenRefreshTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vault_client",
			Name:      "token_refresh_total",
			Help:      "Total number of bearer token refreshes performed",
		}),
		TokenCacheHitTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vault_client",
			Name:      "token_cache_hit_total",
			Help:      "Total number of requests served by a cached bearer token",
		}),
	}
}
