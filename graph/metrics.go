package graph

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics records engine activity into a Prometheus registry.
//
// Exposed series (namespace "flowforge"):
//   - flowforge_runs_started_total
//   - flowforge_runs_finished_total{status}
//   - flowforge_active_runs
//   - flowforge_node_duration_milliseconds{node}
//   - flowforge_node_failures_total{node}
type Metrics struct {
	registry *prometheus.Registry

	runsStarted  prometheus.Counter
	runsFinished *prometheus.CounterVec
	activeRuns   prometheus.Gauge
	nodeDuration *prometheus.HistogramVec
	nodeFailures *prometheus.CounterVec
}

// NewMetrics creates a Metrics recorder registered on registry. Pass a fresh
// prometheus.NewRegistry() unless sharing with other collectors.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		runsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "flowforge",
			Name:      "runs_started_total",
			Help:      "Total number of workflow runs started.",
		}),
		runsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowforge",
			Name:      "runs_finished_total",
			Help:      "Total number of workflow runs by terminal status.",
		}, []string{"status"}),
		activeRuns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowforge",
			Name:      "active_runs",
			Help:      "Number of runs currently executing.",
		}),
		nodeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flowforge",
			Name:      "node_duration_milliseconds",
			Help:      "Node execution time in milliseconds.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"node"}),
		nodeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowforge",
			Name:      "node_failures_total",
			Help:      "Total number of node executions that failed.",
		}, []string{"node"}),
	}
}

// Registry returns the underlying Prometheus registry, for mounting on a
// /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RunStarted records a run entering the running state.
func (m *Metrics) RunStarted() {
	m.runsStarted.Inc()
	m.activeRuns.Inc()
}

// RunFinished records a run reaching the given terminal status.
func (m *Metrics) RunFinished(status string) {
	m.runsFinished.WithLabelValues(status).Inc()
	m.activeRuns.Dec()
}

// ObserveNode records one node execution.
func (m *Metrics) ObserveNode(node string, d time.Duration, failed bool) {
	m.nodeDuration.WithLabelValues(node).Observe(float64(d.Milliseconds()))
	if failed {
		m.nodeFailures.WithLabelValues(node).Inc()
	}
}
