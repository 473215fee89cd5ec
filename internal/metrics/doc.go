// Package metrics provides Prometheus metrics for observability.
//
// This package exposes metrics for zonegrid processes:
//   - Registry operation latency and outcome (ok, conflict, error) per operation
//   - Reaper evictions and sweep results
//   - World broker waiting connections, placements by path and max-wait timeouts
//   - Scene worker hosted instances, bound characters and load latency
//   - Scene catalog object store latency and bytes read
//
// Metrics are exposed via a dedicated HTTP server on /metrics in Prometheus format.
//
// Usage:
//
//	promReg := prometheus.NewRegistry()
//	metrics.RegisterProcessMetrics(promReg, "world", version)
//	meta = metadata.NewInstrumentedStore(meta, metrics.NewRegistryMetricsWithRegistry(promReg))
//
//	broker := world.New(reg, resolver, world.Config{Metrics: metrics.NewBrokerMetricsWithRegistry(promReg)})
//
//	metricsServer := metrics.NewServerWithRegistry(":9090", promReg).WithLogger(logger)
//	metricsServer.Start()
package metrics

// Status label values shared by success/failure counters.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

func statusLabel(success bool) string {
	if success {
		return StatusSuccess
	}
	return StatusFailure
}
