package pluginhost

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// consecutiveSamplesToTrip is fixed at 10: transient bursts from a single
// fat step must not trip the safety valve, so only ~10 consecutive overflow
// samples (roughly 10*period of sustained pressure) do.
const consecutiveSamplesToTrip = 10

// monitoredPlugin is the PressureMonitor's read-only view of one plugin:
// just enough to sample depth and trip the latch, nothing from pluginState
// the monitor doesn't need.
type monitoredPlugin struct {
	name    string
	typeKey string
	queue   *OutputQueue
	latch   *ShortCircuitLatch
}

// PressureMonitor periodically samples every plugin's OutputQueue depth
// and trips a plugin's ShortCircuitLatch after sustained overflow. It never
// pops a queue and never blocks the producer — backpressure here is purely
// by sampling, never by blocking Host.Enqueue.
type PressureMonitor struct {
	threshold int
	period    time.Duration
	metrics   *Metrics
	log       zerolog.Logger
}

// NewPressureMonitor builds a monitor with the given threshold (queue depth
// beyond which a sample counts as overflow) and period (how often to
// sample).
func NewPressureMonitor(threshold int, period time.Duration, metrics *Metrics, log zerolog.Logger) *PressureMonitor {
	return &PressureMonitor{threshold: threshold, period: period, metrics: metrics, log: log}
}

// Run executes the monitor loop once per period until ctx is cancelled.
// Cancellation is observed only at the top of the loop: a sweep already in
// progress always completes before the next ctx check, so a worker
// mid-drain can still be short-circuited during the window between
// Finish() and the monitor's own cancellation.
func (m *PressureMonitor) Run(ctx context.Context, plugins []monitoredPlugin) {
	counters := make(map[string]int, len(plugins))
	ticker := time.NewTicker(m.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for _, p := range plugins {
			if p.latch.IsSet() {
				continue
			}

			depth := p.queue.Depth()
			if m.metrics != nil {
				m.metrics.setQueueDepth(p.typeKey, depth)
			}

			if depth > m.threshold {
				counters[p.name]++
				if m.metrics != nil {
					m.metrics.recordOverflowSample(p.typeKey)
				}
				m.log.Debug().Str("plugin", p.name).Int("depth", depth).
					Int("consecutive", counters[p.name]).Msg("queue depth over threshold")

				if counters[p.name] >= consecutiveSamplesToTrip {
					p.latch.Set()
					if m.metrics != nil {
						m.metrics.recordShortCircuit(p.typeKey)
					}
					m.log.Warn().Str("plugin", p.name).Msg("short-circuiting plugin: sustained queue pressure")
				}
				continue
			}

			if counters[p.name] != 0 {
				m.log.Debug().Str("plugin", p.name).Msg("queue depth back under threshold, resetting counter")
			}
			counters[p.name] = 0
		}
	}
}
