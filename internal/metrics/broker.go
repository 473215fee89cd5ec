package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Placement path label values.
const (
	PathImmediate = "immediate"
	PathQueued    = "queued"
)

// BrokerMetrics holds metrics for the world broker.
type BrokerMetrics struct {
	// Waiting is the number of connections currently in the wait queue.
	Waiting prometheus.Gauge

	// Occupancy is the last occupancy value the broker published.
	Occupancy prometheus.Gauge

	// PlacementsTotal counts redirects by path (immediate, queued).
	PlacementsTotal *prometheus.CounterVec

	// DroppedTotal counts waiters removed without a redirect.
	// Labels: reason (stale, timeout, disconnected, shutdown)
	DroppedTotal *prometheus.CounterVec

	// EnqueueTotal counts scene request submissions by outcome
	// (created, rearmed, outstanding).
	EnqueueTotal *prometheus.CounterVec

	// FlushLatency tracks the duration of a full wait-queue flush.
	FlushLatency *prometheus.HistogramVec
}

// DefaultFlushLatencyBuckets cover a flush that makes a handful of registry round trips.
var DefaultFlushLatencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5,
}

// NewBrokerMetrics creates and registers broker metrics with the default registry.
func NewBrokerMetrics() *BrokerMetrics {
	return newBrokerMetrics(promauto.With(prometheus.DefaultRegisterer))
}

// NewBrokerMetricsWithRegistry creates broker metrics registered with a custom registry.
func NewBrokerMetricsWithRegistry(reg prometheus.Registerer) *BrokerMetrics {
	return newBrokerMetrics(promauto.With(reg))
}

func newBrokerMetrics(f promauto.Factory) *BrokerMetrics {
	return &BrokerMetrics{
		Waiting: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "zonegrid",
			Subsystem: "broker",
			Name:      "waiting_connections",
			Help:      "Current number of connections waiting for a scene instance.",
		}),
		Occupancy: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "zonegrid",
			Subsystem: "broker",
			Name:      "occupancy",
			Help:      "Characters in the world's instances plus waiting connections, as last published.",
		}),
		PlacementsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zonegrid",
			Subsystem: "broker",
			Name:      "placements_total",
			Help:      "Total number of connections redirected to a scene instance, by placement path.",
		}, []string{"path"}),
		DroppedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zonegrid",
			Subsystem: "broker",
			Name:      "dropped_total",
			Help:      "Total number of waiting connections removed without a redirect, by reason.",
		}, []string{"reason"}),
		EnqueueTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zonegrid",
			Subsystem: "broker",
			Name:      "scene_requests_total",
			Help:      "Total number of scene request submissions, by outcome.",
		}, []string{"outcome"}),
		FlushLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "zonegrid",
			Subsystem: "broker",
			Name:      "flush_latency_seconds",
			Help:      "Wait queue flush latency in seconds, by status.",
			Buckets:   DefaultFlushLatencyBuckets,
		}, []string{"status"}),
	}
}

func (m *BrokerMetrics) SetWaiting(n int) {
	m.Waiting.Set(float64(n))
}

func (m *BrokerMetrics) SetOccupancy(n int) {
	m.Occupancy.Set(float64(n))
}

func (m *BrokerMetrics) RecordPlacement(path string) {
	m.PlacementsTotal.WithLabelValues(path).Inc()
}

func (m *BrokerMetrics) RecordDropped(reason string) {
	m.DroppedTotal.WithLabelValues(reason).Inc()
}

func (m *BrokerMetrics) RecordEnqueue(outcome string) {
	m.EnqueueTotal.WithLabelValues(outcome).Inc()
}

// RecordFlush records one flush pass. success is false when any scene in
// the pass hit a registry error.
func (m *BrokerMetrics) RecordFlush(durationSeconds float64, success bool) {
	m.FlushLatency.WithLabelValues(statusLabel(success)).Observe(durationSeconds)
}
