package pluginhost

import "github.com/prometheus/client_golang/prometheus"

// Metrics wraps the host's Prometheus collectors for per-plugin queue depth
// and fault counts, labeled by each plugin's stable TypeKey. A nil *Metrics
// is valid everywhere it's accepted — metrics are an optional observability
// add-on, never load-bearing for correctness.
type Metrics struct {
	queueDepth       *prometheus.GaugeVec
	shortCircuits    *prometheus.CounterVec
	processErrors    *prometheus.CounterVec
	pressureSamples  *prometheus.CounterVec
}

// NewMetrics registers the host's collectors against reg. Pass
// prometheus.NewRegistry() in tests to avoid colliding with the default
// global registry across parallel test runs.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "logplugin_queue_depth",
			Help: "Current OutputQueue depth for a plugin.",
		}, []string{"plugin"}),
		shortCircuits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logplugin_short_circuits_total",
			Help: "Number of times sustained queue pressure has tripped a plugin's ShortCircuitLatch.",
		}, []string{"plugin"}),
		processErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logplugin_process_errors_total",
			Help: "Number of process_line/initialize failures per plugin.",
		}, []string{"plugin"}),
		pressureSamples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logplugin_pressure_overflow_samples_total",
			Help: "Number of PressureMonitor samples that observed queue depth over threshold.",
		}, []string{"plugin"}),
	}
	if reg != nil {
		reg.MustRegister(m.queueDepth, m.shortCircuits, m.processErrors, m.pressureSamples)
	}
	return m
}

func (m *Metrics) setQueueDepth(plugin string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(plugin).Set(float64(depth))
}

func (m *Metrics) recordShortCircuit(plugin string) {
	if m == nil {
		return
	}
	m.shortCircuits.WithLabelValues(plugin).Inc()
}

func (m *Metrics) recordProcessError(plugin string) {
	if m == nil {
		return
	}
	m.processErrors.WithLabelValues(plugin).Inc()
}

func (m *Metrics) recordOverflowSample(plugin string) {
	if m == nil {
		return
	}
	m.pressureSamples.WithLabelValues(plugin).Inc()
}
