package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// WorkerMetrics holds metrics for a scene worker.
type WorkerMetrics struct {
	// Instances is the number of scene instances this worker hosts.
	Instances prometheus.Gauge

	// Characters is the number of characters bound across those instances.
	Characters prometheus.Gauge

	// LoadsInFlight is the number of scene loads currently running.
	LoadsInFlight prometheus.Gauge

	// ClaimsTotal counts scene requests this worker claimed.
	ClaimsTotal prometheus.Counter

	// LoadLatency tracks scene load duration by status.
	LoadLatency *prometheus.HistogramVec

	// BindsTotal counts character bind attempts by status.
	BindsTotal *prometheus.CounterVec
}

// DefaultLoadLatencyBuckets span quick cached loads to slow catalog fetches.
var DefaultLoadLatencyBuckets = []float64{
	0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0,
}

// NewWorkerMetrics creates and registers worker metrics with the default registry.
func NewWorkerMetrics() *WorkerMetrics {
	return newWorkerMetrics(promauto.With(prometheus.DefaultRegisterer))
}

// NewWorkerMetricsWithRegistry creates worker metrics registered with a custom registry.
func NewWorkerMetricsWithRegistry(reg prometheus.Registerer) *WorkerMetrics {
	return newWorkerMetrics(promauto.With(reg))
}

func newWorkerMetrics(f promauto.Factory) *WorkerMetrics {
	return &WorkerMetrics{
		Instances: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "zonegrid",
			Subsystem: "worker",
			Name:      "instances",
			Help:      "Current number of scene instances hosted by this worker.",
		}),
		Characters: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "zonegrid",
			Subsystem: "worker",
			Name:      "characters",
			Help:      "Current number of characters bound to this worker's instances.",
		}),
		LoadsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "zonegrid",
			Subsystem: "worker",
			Name:      "loads_in_flight",
			Help:      "Current number of scene loads in progress.",
		}),
		ClaimsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "zonegrid",
			Subsystem: "worker",
			Name:      "claims_total",
			Help:      "Total number of scene requests claimed by this worker.",
		}),
		LoadLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "zonegrid",
			Subsystem: "worker",
			Name:      "load_latency_seconds",
			Help:      "Scene load latency in seconds, by status.",
			Buckets:   DefaultLoadLatencyBuckets,
		}, []string{"status"}),
		BindsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zonegrid",
			Subsystem: "worker",
			Name:      "binds_total",
			Help:      "Total number of character bind attempts, by status.",
		}, []string{"status"}),
	}
}

func (m *WorkerMetrics) SetInstances(n int) {
	m.Instances.Set(float64(n))
}

func (m *WorkerMetrics) SetCharacters(n int) {
	m.Characters.Set(float64(n))
}

func (m *WorkerMetrics) SetLoadsInFlight(n int) {
	m.LoadsInFlight.Set(float64(n))
}

func (m *WorkerMetrics) RecordClaim() {
	m.ClaimsTotal.Inc()
}

func (m *WorkerMetrics) RecordLoad(durationSeconds float64, success bool) {
	m.LoadLatency.WithLabelValues(statusLabel(success)).Observe(durationSeconds)
}

func (m *WorkerMetrics) RecordBind(success bool) {
	m.BindsTotal.WithLabelValues(statusLabel(success)).Inc()
}
