package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SupervisorMetrics contains metrics for the optional child-process
// supervisor (C9).
type SupervisorMetrics struct {
	RestartsTotal  *prometheus.CounterVec // reason: crash|rotation
	ExitCodeLast   prometheus.Gauge
	RunningGauge   prometheus.Gauge
}

// NewSupervisorMetrics creates the supervisor metrics.
func NewSupervisorMetrics(namespace string) *SupervisorMetrics {
	return &SupervisorMetrics{
		RestartsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "supervisor",
				Name:      "restarts_total",
				Help:      "Total number of times the supervised child process was restarted",
			},
			[]string{"reason"},
		),
		ExitCodeLast: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "exit_code_last",
			Help:      "Exit code of the most recent child process termination",
		}),
		RunningGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "running",
			Help:      "1 if the supervised child process is currently running, 0 otherwise",
		}),
	}
}
