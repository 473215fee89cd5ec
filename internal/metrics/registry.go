package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RegistryMetrics holds metrics for registry (metadata store) operations and
// the liveness reaper. It satisfies metadata.StoreMetricsRecorder and
// registry.ReapRecorder.
type RegistryMetrics struct {
	// LatencyHistogram tracks operation latency.
	// Labels: operation (get, put, delete, list, txn, put_ephemeral), outcome (ok, conflict, error)
	LatencyHistogram *prometheus.HistogramVec

	// OperationsTotal counts operations by type and outcome. A high conflict
	// rate means processes are racing on the same rows.
	OperationsTotal *prometheus.CounterVec

	// ReapSweepsTotal counts reaper sweeps that held the lease, by status.
	ReapSweepsTotal *prometheus.CounterVec

	// EvictedServersTotal counts servers removed for missing pulses.
	EvictedServersTotal prometheus.Counter

	// OrphanInstancesTotal counts instances removed because their owner was gone.
	OrphanInstancesTotal prometheus.Counter

	// FailedClaimsTotal counts loading claims failed because the claimer was gone.
	FailedClaimsTotal prometheus.Counter
}

// DefaultRegistryLatencyBuckets are tuned for metadata operations, which are
// typically sub-millisecond to tens of milliseconds.
var DefaultRegistryLatencyBuckets = []float64{
	0.0001, // 0.1ms
	0.0005, // 0.5ms
	0.001,  // 1ms
	0.0025, // 2.5ms
	0.005,  // 5ms
	0.01,   // 10ms
	0.025,  // 25ms
	0.05,   // 50ms
	0.1,    // 100ms
	0.25,   // 250ms
	1.0,    // 1s
	5.0,    // 5s
}

// NewRegistryMetrics creates and registers registry metrics with the
// default registry.
func NewRegistryMetrics() *RegistryMetrics {
	return newRegistryMetrics(promauto.With(prometheus.DefaultRegisterer))
}

// NewRegistryMetricsWithRegistry creates registry metrics registered with a
// custom registry. Useful for testing to avoid conflicts with the default registry.
func NewRegistryMetricsWithRegistry(reg prometheus.Registerer) *RegistryMetrics {
	return newRegistryMetrics(promauto.With(reg))
}

func newRegistryMetrics(f promauto.Factory) *RegistryMetrics {
	return &RegistryMetrics{
		LatencyHistogram: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "zonegrid",
				Subsystem: "registry",
				Name:      "operation_latency_seconds",
				Help:      "Registry operation latency in seconds, broken down by operation and outcome.",
				Buckets:   DefaultRegistryLatencyBuckets,
			},
			[]string{"operation", "outcome"},
		),
		OperationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "zonegrid",
				Subsystem: "registry",
				Name:      "operations_total",
				Help:      "Total number of registry operations, broken down by operation and outcome.",
			},
			[]string{"operation", "outcome"},
		),
		ReapSweepsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "zonegrid",
				Subsystem: "reaper",
				Name:      "sweeps_total",
				Help:      "Total number of reaper sweeps run while holding the lease.",
			},
			[]string{"status"},
		),
		EvictedServersTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: "zonegrid",
				Subsystem: "reaper",
				Name:      "evicted_servers_total",
				Help:      "Total number of servers evicted after missing pulses.",
			},
		),
		OrphanInstancesTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: "zonegrid",
				Subsystem: "reaper",
				Name:      "orphan_instances_total",
				Help:      "Total number of scene instances removed because their owner was gone.",
			},
		),
		FailedClaimsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: "zonegrid",
				Subsystem: "reaper",
				Name:      "failed_claims_total",
				Help:      "Total number of loading claims failed because the claiming server was gone.",
			},
		),
	}
}

// RecordOp records one registry operation.
func (m *RegistryMetrics) RecordOp(op string, durationSeconds float64, outcome string) {
	m.LatencyHistogram.WithLabelValues(op, outcome).Observe(durationSeconds)
	m.OperationsTotal.WithLabelValues(op, outcome).Inc()
}

// RecordReap records the result of a reaper sweep.
func (m *RegistryMetrics) RecordReap(serversEvicted, instancesRemoved, claimsFailed int, success bool) {
	m.ReapSweepsTotal.WithLabelValues(statusLabel(success)).Inc()
	m.EvictedServersTotal.Add(float64(serversEvicted))
	m.OrphanInstancesTotal.Add(float64(instancesRemoved))
	m.FailedClaimsTotal.Add(float64(claimsFailed))
}
