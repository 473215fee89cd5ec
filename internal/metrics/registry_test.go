package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegistryMetrics_RecordOp(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRegistryMetricsWithRegistry(reg)

	m.RecordOp("get", 0.001, "ok")
	m.RecordOp("get", 0.002, "ok")
	m.RecordOp("txn", 0.003, "conflict")
	m.RecordOp("put", 0.5, "error")

	if got := testutil.ToFloat64(m.OperationsTotal.WithLabelValues("get", "ok")); got != 2 {
		t.Errorf("get/ok = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.OperationsTotal.WithLabelValues("txn", "conflict")); got != 1 {
		t.Errorf("txn/conflict = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.LatencyHistogram); got != 3 {
		t.Errorf("latency series = %d, want 3", got)
	}
}

func TestRegistryMetrics_RecordReap(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRegistryMetricsWithRegistry(reg)

	m.RecordReap(2, 5, 1, true)
	m.RecordReap(0, 0, 0, true)
	m.RecordReap(1, 0, 0, false)

	if got := testutil.ToFloat64(m.ReapSweepsTotal.WithLabelValues(StatusSuccess)); got != 2 {
		t.Errorf("successful sweeps = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ReapSweepsTotal.WithLabelValues(StatusFailure)); got != 1 {
		t.Errorf("failed sweeps = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.EvictedServersTotal); got != 3 {
		t.Errorf("evicted = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.OrphanInstancesTotal); got != 5 {
		t.Errorf("orphans = %v, want 5", got)
	}
	if got := testutil.ToFloat64(m.FailedClaimsTotal); got != 1 {
		t.Errorf("failed claims = %v, want 1", got)
	}
}

func TestRegistryMetrics_Names(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRegistryMetricsWithRegistry(reg)
	m.RecordOp("list", 0.001, "ok")
	m.RecordReap(0, 0, 0, true)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	expected := map[string]bool{
		"zonegrid_registry_operation_latency_seconds": false,
		"zonegrid_registry_operations_total":          false,
		"zonegrid_reaper_sweeps_total":                false,
		"zonegrid_reaper_evicted_servers_total":       false,
	}
	for _, mf := range mfs {
		if _, ok := expected[mf.GetName()]; ok {
			expected[mf.GetName()] = true
		}
	}
	for name, found := range expected {
		if !found {
			t.Errorf("expected metric %s to be registered", name)
		}
	}
}
