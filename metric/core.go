package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains process-level metrics that are not owned by a single package
type Metrics struct {
	BuildInfo     *prometheus.GaugeVec
	NATSConnected prometheus.Gauge
	ConfigReloads *prometheus.CounterVec
}

// NewMetrics creates the process-level metrics
func NewMetrics() *Metrics {
	return &Metrics{
		BuildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "nodeflows",
				Name:      "build_info",
				Help:      "Build information, value is always 1",
			},
			[]string{"version"},
		),

		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nodeflows",
			Subsystem: "nats",
			Name:      "connected",
			Help:      "NATS connection status (0=disconnected, 1=connected)",
		}),

		ConfigReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nodeflows",
				Subsystem: "config",
				Name:      "reloads_total",
				Help:      "Flow configuration reloads triggered by file changes",
			},
			[]string{"status"},
		),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.BuildInfo, m.NATSConnected, m.ConfigReloads}
}
