package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DeployerMetrics contains metrics for the fetch/render/write/reload/rollback
// pipeline (C4).
type DeployerMetrics struct {
	DeploysTotal      *prometheus.CounterVec   // target, status
	DeployDuration    *prometheus.HistogramVec // target
	RollbacksTotal    *prometheus.CounterVec   // target, reason
	ReloadFailuresTotal *prometheus.CounterVec // target
	LastDeploySuccessTimestamp *prometheus.GaugeVec // target
}

// NewDeployerMetrics creates the deployer metrics.
func NewDeployerMetrics(namespace string) *DeployerMetrics {
	return &DeployerMetrics{
		DeploysTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "deployer",
				Name:      "deploys_total",
				Help:      "Total number of target deploy attempts",
			},
			[]string{"target", "status"},
		),
		DeployDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "deployer",
				Name:      "deploy_duration_seconds",
				Help:      "Duration of a full fetch-to-reload deploy cycle",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"target"},
		),
		RollbacksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "deployer",
				Name:      "rollbacks_total",
				Help:      "Total number of deploys rolled back after a failed health check or reload",
			},
			[]string{"target", "reason"},
		),
		ReloadFailuresTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "deployer",
				Name:      "reload_failures_total",
				Help:      "Total number of reload command failures",
			},
			[]string{"target"},
		),
		LastDeploySuccessTimestamp: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "deployer",
				Name:      "last_deploy_success_timestamp_seconds",
				Help:      "Unix timestamp of the last successful deploy for a target",
			},
			[]string{"target"},
		),
	}
}
