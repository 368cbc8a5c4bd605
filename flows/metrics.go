package flows

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/nodeflows/metric"
)

// flowMetrics holds Prometheus metrics for orchestrator operations
type flowMetrics struct {
	startPasses      *prometheus.CounterVec   // by outcome: started, awaiting_types
	instantiations   *prometheus.CounterVec   // by type and status: created, failed, unknown_type
	closeFailures    prometheus.Counter
	reconfigurations *prometheus.CounterVec   // by status: success, failure
	duration         *prometheus.HistogramVec // by operation: load, start, stop, set_flows

	liveNodes    prometheus.Gauge
	state        prometheus.Gauge
	missingTypes prometheus.Gauge
}

func newFlowMetrics(registry metric.MetricsRegistrar) (*flowMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &flowMetrics{
		startPasses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nodeflows",
			Subsystem: "flows",
			Name:      "start_passes_total",
			Help:      "Parse and start passes by outcome",
		}, []string{"outcome"}),

		instantiations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nodeflows",
			Subsystem: "flows",
			Name:      "instantiations_total",
			Help:      "Node construction attempts by type and status",
		}, []string{"type", "status"}),

		closeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nodeflows",
			Subsystem: "flows",
			Name:      "close_failures_total",
			Help:      "Node close calls that failed or panicked",
		}),

		reconfigurations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nodeflows",
			Subsystem: "flows",
			Name:      "reconfigurations_total",
			Help:      "SetFlows calls by status",
		}, []string{"status"}),

		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nodeflows",
			Subsystem: "flows",
			Name:      "operation_duration_seconds",
			Help:      "Orchestrator operation duration in seconds",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		}, []string{"operation"}),

		liveNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nodeflows",
			Subsystem: "flows",
			Name:      "live_nodes",
			Help:      "Instances currently in the live table",
		}),

		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nodeflows",
			Subsystem: "flows",
			Name:      "state",
			Help:      "Orchestrator state (0 unloaded, 1 loading, 2 awaiting_types, 3 starting, 4 running, 5 stopping)",
		}),

		missingTypes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nodeflows",
			Subsystem: "flows",
			Name:      "missing_types",
			Help:      "Types referenced by the active configuration that are not registered",
		}),
	}

	if err := registry.RegisterCounterVec("flows", "start_passes", m.startPasses); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("flows", "instantiations", m.instantiations); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("flows", "close_failures", m.closeFailures); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("flows", "reconfigurations", m.reconfigurations); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogramVec("flows", "operation_duration", m.duration); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("flows", "live_nodes", m.liveNodes); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("flows", "state", m.state); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("flows", "missing_types", m.missingTypes); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *flowMetrics) recordStartPass(outcome string) {
	if m == nil {
		return
	}
	m.startPasses.WithLabelValues(outcome).Inc()
}

func (m *flowMetrics) recordInstantiation(nodeType, status string) {
	if m == nil {
		return
	}
	m.instantiations.WithLabelValues(nodeType, status).Inc()
}

func (m *flowMetrics) recordCloseFailure() {
	if m == nil {
		return
	}
	m.closeFailures.Inc()
}

func (m *flowMetrics) recordReconfiguration(success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	m.reconfigurations.WithLabelValues(status).Inc()
}

func (m *flowMetrics) observe(operation string, start time.Time) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func (m *flowMetrics) setLiveNodes(n int) {
	if m == nil {
		return
	}
	m.liveNodes.Set(float64(n))
}

func (m *flowMetrics) setState(s State) {
	if m == nil {
		return
	}
	m.state.Set(float64(s))
}

func (m *flowMetrics) setMissingTypes(n int) {
	if m == nil {
		return
	}
	m.missingTypes.Set(float64(n))
}
