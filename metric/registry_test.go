package metric

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajessitech/figmacopilot-sub001/errors"
)

func newTestCounter(name string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "figmarelay",
		Subsystem: "test",
		Name:      name,
		Help:      "test counter",
	})
}

func TestNewMetricsRegistryRegistersCore(t *testing.T) {
	registry := NewMetricsRegistry()
	require.NotNil(t, registry.CoreMetrics())
	require.NotNil(t, registry.PrometheusRegistry())

	// Core metrics usable without further registration
	registry.CoreMetrics().RecordConnectionOpened("frontend")
	registry.CoreMetrics().RecordMessageForwarded("tool_call")
	registry.CoreMetrics().RecordRoutingError("peer_unavailable")

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["figmarelay_connections_active"])
	assert.True(t, names["figmarelay_messages_forwarded_total"])
	assert.True(t, names["figmarelay_routing_errors_total"])
}

func TestRegisterCounterRejectsDuplicateKey(t *testing.T) {
	registry := NewMetricsRegistry()

	require.NoError(t, registry.RegisterCounter("relay", "ops", newTestCounter("ops_a_total")))

	err := registry.RegisterCounter("relay", "ops", newTestCounter("ops_b_total"))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestRegisterCounterRejectsPrometheusConflict(t *testing.T) {
	registry := NewMetricsRegistry()

	// Same collector name under different registry keys still conflicts in
	// the underlying prometheus registry.
	require.NoError(t, registry.RegisterCounter("relay", "first", newTestCounter("conflict_total")))

	err := registry.RegisterCounter("relay", "second", newTestCounter("conflict_total"))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestUnregisterAllowsReRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	require.NoError(t, registry.RegisterGauge("relay", "depth", prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "figmarelay", Subsystem: "test", Name: "depth", Help: "test gauge",
	})))

	assert.True(t, registry.Unregister("relay", "depth"))
	assert.False(t, registry.Unregister("relay", "depth"))

	require.NoError(t, registry.RegisterGauge("relay", "depth", prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "figmarelay", Subsystem: "test", Name: "depth", Help: "test gauge",
	})))
}

func TestRecordHealthStatus(t *testing.T) {
	m := NewMetrics()
	m.RecordHealthStatus("relay", true)
	m.RecordHealthStatus("tap", false)
	// Gauges are set; detailed value assertions happen via Gather in the
	// registry test above.
	m.RecordComponentStatus("relay", 2)
}
