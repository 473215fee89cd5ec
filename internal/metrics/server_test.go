package metrics

import (
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// Default-registry metrics may only be created once per process.
var (
	defaultBrokerOnce sync.Once
	defaultBroker     *BrokerMetrics
)

func defaultBrokerMetrics() *BrokerMetrics {
	defaultBrokerOnce.Do(func() { defaultBroker = NewBrokerMetrics() })
	return defaultBroker
}

func scrape(t *testing.T, s *Server) (string, *http.Response) {
	t.Helper()
	resp, err := http.Get("http://" + s.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body), resp
}

func TestServerDefaultRegistry(t *testing.T) {
	m := defaultBrokerMetrics()
	m.RecordFlush(0.005, true)
	m.RecordFlush(0.050, false)

	s := NewServer("127.0.0.1:0")
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Close()

	body, resp := scrape(t, s)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(resp.Header.Get("Content-Type"), "text/plain") {
		t.Errorf("Content-Type = %q", resp.Header.Get("Content-Type"))
	}
	for _, want := range []string{"zonegrid_broker_flush_latency_seconds", `status="success"`, `status="failure"`} {
		if !strings.Contains(body, want) {
			t.Errorf("scrape missing %s", want)
		}
	}
}

func TestServerCustomRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRegistryMetricsWithRegistry(reg)
	m.RecordOp("get", 0.002, "ok")
	m.RecordOp("txn", 0.008, "conflict")

	s := NewServerWithRegistry("127.0.0.1:0", reg).WithLogger(nil)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Close()
	if !strings.HasPrefix(s.Addr(), "127.0.0.1:") || s.Addr() == "127.0.0.1:0" {
		t.Errorf("Addr = %q, want the bound port", s.Addr())
	}

	body, _ := scrape(t, s)
	if !strings.Contains(body, "zonegrid_registry_operations_total") {
		t.Error("expected registry metrics")
	}
	if strings.Contains(body, "zonegrid_broker_") {
		t.Error("custom registry should not expose default registry metrics")
	}
}

func TestServerOpenMetricsNegotiation(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewWorkerMetricsWithRegistry(reg).RecordLoad(0.1, true)
	s := NewServerWithRegistry("127.0.0.1:0", reg)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	req, _ := http.NewRequest(http.MethodGet, "http://"+s.Addr()+"/metrics", nil)
	req.Header.Set("Accept", "application/openmetrics-text; version=1.0.0")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/openmetrics-text") {
		t.Errorf("Content-Type = %q, want openmetrics", ct)
	}
}

func TestServerStartFailsOnBusyAddr(t *testing.T) {
	a := NewServerWithRegistry("127.0.0.1:0", prometheus.NewRegistry())
	if err := a.Start(); err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	b := NewServerWithRegistry(a.Addr(), prometheus.NewRegistry())
	if err := b.Start(); err == nil {
		b.Close()
		t.Fatal("second Start on the same address should fail")
	}
}

func TestServerClose(t *testing.T) {
	s := NewServerWithRegistry("127.0.0.1:0", prometheus.NewRegistry())
	if err := s.Close(); err != nil {
		t.Errorf("Close before Start: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	addr := s.Addr()
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := http.Get("http://" + addr + "/metrics"); err == nil {
		t.Error("expected error after Close")
	}
}

func TestRegisterProcessMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := RegisterProcessMetrics(reg, "world", "1.2.3"); err != nil {
		t.Fatalf("RegisterProcessMetrics: %v", err)
	}
	if err := RegisterProcessMetrics(reg, "world", "1.2.3"); err != nil {
		t.Errorf("registering twice should be tolerated: %v", err)
	}

	n, err := testutil.GatherAndCount(reg, "zonegrid_build_info", "go_goroutines")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("series = %d, want build_info and go_goroutines", n)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range families {
		if mf.GetName() != "zonegrid_build_info" {
			continue
		}
		labels := map[string]string{}
		for _, lp := range mf.GetMetric()[0].GetLabel() {
			labels[lp.GetName()] = lp.GetValue()
		}
		if labels["role"] != "world" || labels["version"] != "1.2.3" {
			t.Errorf("labels = %v", labels)
		}
	}
}
