package cloud

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kwv/cpdmesh/cpd"
)

// Metrics records registration runs as Prometheus metrics. It implements
// cpd.Observer.
type Metrics struct {
	registry *prometheus.Registry

	runs       *prometheus.CounterVec
	iterations *prometheus.HistogramVec
	runtime    *prometheus.HistogramVec
	sigma2     *prometheus.GaugeVec
	points     *prometheus.GaugeVec
}

// NewMetrics registers the registration metrics on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,

		// Labels: transform, stop_reason (converged, max_iterations, sigma2_floor)
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cpdmesh",
			Subsystem: "registration",
			Name:      "runs_total",
			Help:      "Completed registration runs",
		}, []string{"transform", "stop_reason"}),

		iterations: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cpdmesh",
			Subsystem: "registration",
			Name:      "iterations",
			Help:      "EM iterations per run",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 150, 250, 500},
		}, []string{"transform"}),

		runtime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cpdmesh",
			Subsystem: "registration",
			Name:      "runtime_seconds",
			Help:      "Wall clock time per run in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"transform"}),

		sigma2: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cpdmesh",
			Subsystem: "registration",
			Name:      "sigma2",
			Help:      "Final variance of the last run, in input units",
		}, []string{"transform"}),

		// Labels: transform, cloud (fixed, moving)
		points: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cpdmesh",
			Subsystem: "registration",
			Name:      "points",
			Help:      "Point count of the clouds of the last run",
		}, []string{"transform", "cloud"}),
	}
}

// Registry exposes the underlying registry for gathering.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) OnStart(e cpd.StartEvent) {
	m.points.WithLabelValues(string(e.Transform), LayerFixed).Set(float64(e.FixedPoints))
	m.points.WithLabelValues(string(e.Transform), LayerMoving).Set(float64(e.MovingPoints))
}

func (m *Metrics) OnIteration(cpd.IterationEvent) {}

func (m *Metrics) OnFinish(r *cpd.Result) {
	kind := string(r.Transform)
	m.runs.WithLabelValues(kind, string(r.StopReason)).Inc()
	m.iterations.WithLabelValues(kind).Observe(float64(r.Iterations))
	m.runtime.WithLabelValues(kind).Observe(r.Runtime.Seconds())
	m.sigma2.WithLabelValues(kind).Set(r.Sigma2)
}

// WriteToTextfile writes the metrics in the text exposition format, for
// node_exporter's textfile collector.
func (m *Metrics) WriteToTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("writing metrics: %w", err)
	}
	return nil
}
