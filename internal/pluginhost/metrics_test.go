package pluginhost

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.setQueueDepth("p", 5)
		m.recordShortCircuit("p")
		m.recordProcessError("p")
		m.recordOverflowSample("p")
	})
}

func TestNewMetrics_RegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.setQueueDepth("p", 3)
	m.recordShortCircuit("p")
	m.recordProcessError("p")
	m.recordOverflowSample("p")

	families, err := reg.Gather()
	assert.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNewMetrics_NilRegistererDoesNotPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		m := NewMetrics(nil)
		m.setQueueDepth("p", 1)
	})
}
