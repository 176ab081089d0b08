package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains all relay-level metrics (not component-specific)
type Metrics struct {
	ComponentStatus      *prometheus.GaugeVec
	ConnectionsActive    prometheus.Gauge
	ConnectionsTotal     *prometheus.CounterVec
	ChannelsActive       prometheus.Gauge
	MessagesForwarded    *prometheus.CounterVec
	RoutingErrors        *prometheus.CounterVec
	ToolCallsPending     prometheus.Gauge
	ToolCallTimeouts     prometheus.Counter
	StreamSessionsActive prometheus.Gauge
	ChunksForwarded      prometheus.Counter
	SlowConsumerCloses   prometheus.Counter
	HealthCheckStatus    *prometheus.GaugeVec
}

// NewMetrics creates a new Metrics instance with all relay metrics
func NewMetrics() *Metrics {
	return &Metrics{
		ComponentStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "figmarelay",
				Subsystem: "component",
				Name:      "status",
				Help:      "Component status (0=stopped, 1=starting, 2=running, 3=stopping, 4=failed)",
			},
			[]string{"component"},
		),

		ConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "figmarelay",
				Subsystem: "connections",
				Name:      "active",
				Help:      "Number of currently connected parties",
			},
		),

		ConnectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "figmarelay",
				Subsystem: "connections",
				Name:      "total",
				Help:      "Total number of accepted connections",
			},
			[]string{"role"},
		),

		ChannelsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "figmarelay",
				Subsystem: "channels",
				Name:      "active",
				Help:      "Number of channels currently known to the registry",
			},
		),

		MessagesForwarded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "figmarelay",
				Subsystem: "messages",
				Name:      "forwarded_total",
				Help:      "Total number of messages forwarded between peers",
			},
			[]string{"type"},
		),

		RoutingErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "figmarelay",
				Subsystem: "routing",
				Name:      "errors_total",
				Help:      "Total number of error replies sent to senders",
			},
			[]string{"code"},
		),

		ToolCallsPending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "figmarelay",
				Subsystem: "toolcalls",
				Name:      "pending",
				Help:      "Number of tool calls awaiting a response",
			},
		),

		ToolCallTimeouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "figmarelay",
				Subsystem: "toolcalls",
				Name:      "timeouts_total",
				Help:      "Total number of synthesized tool-call timeout results",
			},
		),

		StreamSessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "figmarelay",
				Subsystem: "streams",
				Name:      "sessions_active",
				Help:      "Number of streamed responses not yet finalized",
			},
		),

		ChunksForwarded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "figmarelay",
				Subsystem: "streams",
				Name:      "chunks_forwarded_total",
				Help:      "Total number of response chunks forwarded",
			},
		),

		SlowConsumerCloses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "figmarelay",
				Subsystem: "connections",
				Name:      "slow_consumer_closes_total",
				Help:      "Total number of connections closed for exceeding the send queue bound",
			},
		),

		HealthCheckStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "figmarelay",
				Subsystem: "health",
				Name:      "status",
				Help:      "Health check status (0=unhealthy, 1=healthy)",
			},
			[]string{"component"},
		),
	}
}

// RecordComponentStatus updates component status metric
func (c *Metrics) RecordComponentStatus(component string, status int) {
	c.ComponentStatus.WithLabelValues(component).Set(float64(status))
}

// RecordConnectionOpened tracks an accepted connection by role
func (c *Metrics) RecordConnectionOpened(role string) {
	c.ConnectionsTotal.WithLabelValues(role).Inc()
	c.ConnectionsActive.Inc()
}

// RecordConnectionClosed decrements the active connection gauge
func (c *Metrics) RecordConnectionClosed() {
	c.ConnectionsActive.Dec()
}

// RecordMessageForwarded increments the forwarded message counter
func (c *Metrics) RecordMessageForwarded(messageType string) {
	c.MessagesForwarded.WithLabelValues(messageType).Inc()
}

// RecordRoutingError increments the routing error counter
func (c *Metrics) RecordRoutingError(code string) {
	c.RoutingErrors.WithLabelValues(code).Inc()
}

// RecordHealthStatus updates health check status
func (c *Metrics) RecordHealthStatus(component string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	c.HealthCheckStatus.WithLabelValues(component).Set(value)
}
