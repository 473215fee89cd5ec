package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// GatewayMetrics holds metrics for websocket client connections.
type GatewayMetrics struct {
	// ActiveConnections tracks the current number of open websocket connections.
	ActiveConnections prometheus.Gauge

	// HandshakesTotal counts connection handshakes by status.
	HandshakesTotal *prometheus.CounterVec

	// RedirectsTotal counts redirect messages written to clients.
	RedirectsTotal prometheus.Counter
}

// NewGatewayMetrics creates and registers gateway metrics with the default registry.
func NewGatewayMetrics() *GatewayMetrics {
	return newGatewayMetrics(promauto.With(prometheus.DefaultRegisterer))
}

// NewGatewayMetricsWithRegistry creates gateway metrics registered with a custom registry.
func NewGatewayMetricsWithRegistry(reg prometheus.Registerer) *GatewayMetrics {
	return newGatewayMetrics(promauto.With(reg))
}

func newGatewayMetrics(f promauto.Factory) *GatewayMetrics {
	return &GatewayMetrics{
		ActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "zonegrid",
			Subsystem: "gateway",
			Name:      "active_connections",
			Help:      "Current number of open client connections.",
		}),
		HandshakesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zonegrid",
			Subsystem: "gateway",
			Name:      "handshakes_total",
			Help:      "Total number of client handshakes, by status.",
		}, []string{"status"}),
		RedirectsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "zonegrid",
			Subsystem: "gateway",
			Name:      "redirects_total",
			Help:      "Total number of redirect messages sent to clients.",
		}),
	}
}

// ConnectionOpened increments the active connections gauge.
func (m *GatewayMetrics) ConnectionOpened() {
	m.ActiveConnections.Inc()
}

// ConnectionClosed decrements the active connections gauge.
func (m *GatewayMetrics) ConnectionClosed() {
	m.ActiveConnections.Dec()
}

func (m *GatewayMetrics) RecordHandshake(success bool) {
	m.HandshakesTotal.WithLabelValues(statusLabel(success)).Inc()
}

func (m *GatewayMetrics) RecordRedirect() {
	m.RedirectsTotal.Inc()
}
