package sensor

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/sensorbridge/metric"
)

// Metrics holds Prometheus metrics for the sensor service. All methods are
// nil-safe so the service can run without a metrics registry.
type Metrics struct {
	readingsTotal   *prometheus.CounterVec
	readingsDropped *prometheus.CounterVec
	reconnects      *prometheus.CounterVec
	connectionState *prometheus.GaugeVec
	breakerState    *prometheus.GaugeVec
	dataHandlers    prometheus.Gauge
	statusHandlers  prometheus.Gauge
}

// newMetrics creates and registers the sensor service metrics. Returns nil
// when registry is nil.
func newMetrics(registry *metric.Registry, serviceName string) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		readingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "sensor",
			Name:      "readings_total",
			Help:      "Total normalized readings fanned out to subscribers",
		}, []string{"protocol"}),

		readingsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "sensor",
			Name:      "readings_dropped_total",
			Help:      "Total protocol events dropped during normalization",
		}, []string{"protocol", "reason"}),

		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "sensor",
			Name:      "reconnects_scheduled_total",
			Help:      "Total reconnection attempts scheduled",
		}, []string{"protocol"}),

		connectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "sensor",
			Name:      "connection_state",
			Help:      "Connection state per protocol (0=disconnected 1=connecting 2=connected 3=reconnecting 4=error)",
		}, []string{"protocol"}),

		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "sensor",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per protocol (0=closed 1=open 2=half-open)",
		}, []string{"protocol"}),

		dataHandlers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "sensor",
			Name:      "data_handlers",
			Help:      "Registered sensor-data handlers",
		}),

		statusHandlers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "sensor",
			Name:      "status_handlers",
			Help:      "Registered connection-status handlers",
		}),
	}

	registry.MustRegister(serviceName, "readings_total", m.readingsTotal)
	registry.MustRegister(serviceName, "readings_dropped", m.readingsDropped)
	registry.MustRegister(serviceName, "reconnects_scheduled", m.reconnects)
	registry.MustRegister(serviceName, "connection_state", m.connectionState)
	registry.MustRegister(serviceName, "circuit_breaker_state", m.breakerState)
	registry.MustRegister(serviceName, "data_handlers", m.dataHandlers)
	registry.MustRegister(serviceName, "status_handlers", m.statusHandlers)

	return m
}

func (m *Metrics) reading(protocol string) {
	if m != nil {
		m.readingsTotal.WithLabelValues(protocol).Inc()
	}
}

func (m *Metrics) dropped(protocol, reason string) {
	if m != nil {
		m.readingsDropped.WithLabelValues(protocol, reason).Inc()
	}
}

func (m *Metrics) reconnectScheduled(protocol string) {
	if m != nil {
		m.reconnects.WithLabelValues(protocol).Inc()
	}
}

func (m *Metrics) setConnectionState(protocol string, state int) {
	if m != nil {
		m.connectionState.WithLabelValues(protocol).Set(float64(state))
	}
}

func (m *Metrics) setBreakerState(protocol string, state int) {
	if m != nil {
		m.breakerState.WithLabelValues(protocol).Set(float64(state))
	}
}

func (m *Metrics) setHandlerCounts(data, status int) {
	if m != nil {
		m.dataHandlers.Set(float64(data))
		m.statusHandlers.Set(float64(status))
	}
}
