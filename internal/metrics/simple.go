// Package metrics exposes the gateway core's Prometheus instrumentation:
// counters/histograms registered against an injected Registerer, derived
// from eventbus.Event traffic so the pool, the device façade and
// discovery never need to import prometheus directly.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"gatewaycore/internal/eventbus"
)

// GatewayMetrics holds the gateway core's Prometheus collectors.
type GatewayMetrics struct {
	ConnectionsTotal    prometheus.Counter
	ConnectionFailures  prometheus.Counter
	DataPointsProcessed prometheus.Counter
	ErrorsTotal         *prometheus.CounterVec
	DevicesDiscovered   prometheus.Counter
	PoolHealthFailures  prometheus.Counter
	ResponseTime        prometheus.Histogram
}

// NewGatewayMetrics builds and registers the gateway core's collectors
// against reg. Passing prometheus.NewRegistry() isolates tests from the
// global default registry.
func NewGatewayMetrics(reg prometheus.Registerer) *GatewayMetrics {
	m := &GatewayMetrics{
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gatewaycore_connections_total",
			Help: "Total number of pooled transport connections established.",
		}),
		ConnectionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gatewaycore_connection_failures_total",
			Help: "Total number of failed connection attempts.",
		}),
		DataPointsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gatewaycore_data_points_total",
			Help: "Total number of tag readings successfully decoded.",
		}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatewaycore_errors_total",
			Help: "Total number of ErrorOccurred events, by source.",
		}, []string{"source"}),
		DevicesDiscovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gatewaycore_devices_discovered_total",
			Help: "Total number of devices discovered on the network.",
		}),
		PoolHealthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gatewaycore_pool_health_failures_total",
			Help: "Total number of failed pool health checks.",
		}),
		ResponseTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gatewaycore_read_duration_seconds",
			Help:    "Observed duration of a single window read.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.ConnectionsTotal,
		m.ConnectionFailures,
		m.DataPointsProcessed,
		m.ErrorsTotal,
		m.DevicesDiscovered,
		m.PoolHealthFailures,
		m.ResponseTime,
	)
	return m
}

// Subscribe wires m to bus: every ConnectionStateChanged/DataReceived/
// ErrorOccurred/DeviceDiscovered/HealthCheckFailed event updates the
// matching collector, and DataReceived's read_duration_seconds payload
// field feeds the read-duration histogram. It never emits, only
// observes.
func (m *GatewayMetrics) Subscribe(bus *eventbus.Bus) {
	bus.Subscribe(eventbus.ConnectionStateChanged, func(e eventbus.Event) {
		if e.Payload["to"] == "connected" {
			m.ConnectionsTotal.Inc()
		}
		if e.Payload["to"] == "failed" {
			m.ConnectionFailures.Inc()
		}
	})
	bus.Subscribe(eventbus.DataReceived, func(e eventbus.Event) {
		m.DataPointsProcessed.Inc()
		if d, ok := e.Payload["read_duration_seconds"].(float64); ok {
			m.ResponseTime.Observe(d)
		}
	})
	bus.Subscribe(eventbus.ErrorOccurred, func(e eventbus.Event) {
		m.ErrorsTotal.WithLabelValues(e.Source).Inc()
	})
	bus.Subscribe(eventbus.DeviceDiscovered, func(e eventbus.Event) {
		m.DevicesDiscovered.Inc()
	})
	bus.Subscribe(eventbus.HealthCheckFailed, func(e eventbus.Event) {
		m.PoolHealthFailures.Inc()
	})
}
