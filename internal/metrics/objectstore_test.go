package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	io_prometheus_client "github.com/prometheus/client_model/go"
)

func TestObjectStoreMetrics_NewWithRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewObjectStoreMetricsWithRegistry(reg)

	// Vec types only appear in Gather once they have an observation.
	m.RecordPut(0.01, true, 100)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}
	if len(mfs) != 3 {
		t.Errorf("Expected 3 metric families, got %d", len(mfs))
	}
}

func TestObjectStoreMetrics_RecordGet(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewObjectStoreMetricsWithRegistry(reg)

	m.RecordGet(0.05, true, 2048)
	m.RecordGet(0.05, false, 999)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}

	requests := findMetricFamily(mfs, "zonegrid_objectstore_operations_total")
	if requests == nil {
		t.Fatal("zonegrid_objectstore_operations_total not found")
	}
	if got := getCounterValue(requests, map[string]string{"operation": OpObjGet, "status": StatusSuccess}); got != 1 {
		t.Errorf("success gets = %f, want 1", got)
	}
	if got := getCounterValue(requests, map[string]string{"operation": OpObjGet, "status": StatusFailure}); got != 1 {
		t.Errorf("failed gets = %f, want 1", got)
	}

	// Failed reads never count bytes.
	bytes := findMetricFamily(mfs, "zonegrid_objectstore_bytes_total")
	if got := getCounterValue(bytes, map[string]string{"direction": DirectionRead}); got != 2048 {
		t.Errorf("bytes read = %f, want 2048", got)
	}
}

func TestObjectStoreMetrics_Operations(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewObjectStoreMetricsWithRegistry(reg)

	m.RecordHead(0.01, true)
	m.RecordList(0.02, true)
	m.RecordDelete(0.01, false)
	m.RecordPut(0.1, true, 0)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}
	requests := findMetricFamily(mfs, "zonegrid_objectstore_operations_total")

	tests := []struct {
		op     string
		status string
	}{
		{OpObjHead, StatusSuccess},
		{OpObjList, StatusSuccess},
		{OpObjDelete, StatusFailure},
		{OpObjPut, StatusSuccess},
	}
	for _, tt := range tests {
		if got := getCounterValue(requests, map[string]string{"operation": tt.op, "status": tt.status}); got != 1 {
			t.Errorf("%s/%s = %f, want 1", tt.op, tt.status, got)
		}
	}

	if findMetricFamily(mfs, "zonegrid_objectstore_bytes_total") != nil {
		t.Error("zero-byte put should not create a bytes series")
	}
}

func findMetricFamily(mfs []*io_prometheus_client.MetricFamily, name string) *io_prometheus_client.MetricFamily {
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func getCounterValue(mf *io_prometheus_client.MetricFamily, labels map[string]string) float64 {
	if mf == nil {
		return 0
	}
	for _, metric := range mf.Metric {
		if matchLabels(metric.Label, labels) && metric.Counter != nil {
			return metric.Counter.GetValue()
		}
	}
	return 0
}

func matchLabels(metricLabels []*io_prometheus_client.LabelPair, expected map[string]string) bool {
	if len(metricLabels) != len(expected) {
		return false
	}
	for _, lp := range metricLabels {
		if expected[lp.GetName()] != lp.GetValue() {
			return false
		}
	}
	return true
}
