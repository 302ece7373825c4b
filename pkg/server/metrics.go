package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the server's Prometheus collectors
type Metrics struct {
	ActiveConnections prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	EventsBroadcast   *prometheus.CounterVec
	EventSendFailures prometheus.Counter
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
}

// NewMetrics creates and registers the server metrics on a fresh registry.
// Each Server owns its own registry so multiple instances can coexist in tests.
func NewMetrics() (*Metrics, *prometheus.Registry) {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "teamchat_active_connections",
			Help: "Number of currently connected WebSocket clients",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "teamchat_connections_total",
			Help: "Total number of WebSocket connections accepted",
		}),
		EventsBroadcast: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "teamchat_events_broadcast_total",
			Help: "Total number of events broadcast, by event type",
		}, []string{"type"}),
		EventSendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "teamchat_event_send_failures_total",
			Help: "Event deliveries skipped due to closed or congested connections",
		}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "teamchat_http_requests_total",
			Help: "Total HTTP requests, by method and status",
		}, []string{"method", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "teamchat_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
	}

	registry.MustRegister(
		m.ActiveConnections,
		m.ConnectionsTotal,
		m.EventsBroadcast,
		m.EventSendFailures,
		m.RequestsTotal,
		m.RequestDuration,
	)

	return m, registry
}
