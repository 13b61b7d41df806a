package pluginhost

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrAlreadyRun is returned by Run when called more than once on the same
// Host.
var ErrAlreadyRun = errors.New("pluginhost: Run called more than once")

// Options are the Host's construction-time tunables.
type Options struct {
	// ShortCircuitThreshold is the queue depth beyond which a
	// PressureMonitor sample counts as overflow. Default 1000.
	ShortCircuitThreshold int
	// MonitorFrequency is how often the PressureMonitor samples queue
	// depth. Default 10s.
	MonitorFrequency time.Duration
}

func (o Options) withDefaults() Options {
	if o.ShortCircuitThreshold <= 0 {
		o.ShortCircuitThreshold = 1000
	}
	if o.MonitorFrequency <= 0 {
		o.MonitorFrequency = 10 * time.Second
	}
	return o
}

// PluginStats is a point-in-time snapshot of one plugin's observable state.
type PluginStats struct {
	Name           string
	TypeKey        string
	QueueDepth     int
	ShortCircuited bool
	Initialized    bool
	RecordedErrors int
}

// Host assembles PluginTrace, PluginContext, OutputQueue, ShortCircuitLatch,
// PressureMonitor, and PluginWorker into the full dispatcher: Enqueue fans a
// line out to every live plugin, Finish signals completion, and Run executes
// the two-phase shutdown protocol.
type Host struct {
	hostCtx HostContext
	options Options
	trace   *Trace
	metrics *Metrics
	runID   string
	log     zerolog.Logger

	plugins []*pluginState

	finishOnce sync.Once
	finishCh   chan struct{}
	ran        atomic.Bool
}

// NewRunID generates a fresh run correlation id for a single Run invocation.
// Host stores it and returns it from RunID; it does not add it to Trace
// lines. Callers correlate with it by logging it and by handing it to the
// plugins they build.
func NewRunID() string {
	return uuid.NewString()
}

// New constructs a Host tagged with runID (use NewRunID if the caller has no
// id of its own yet — plugins that need to tag their own side effects with
// the same run should be built with that id before calling New). trace
// defaults to a stdout-backed Trace if nil. metrics may be nil to disable
// Prometheus collectors entirely.
func New(hostCtx HostContext, plugins []Plugin, trace *Trace, options Options, metrics *Metrics, log zerolog.Logger, runID string) *Host {
	if trace == nil {
		trace = NewStdoutTrace(log)
	}
	if runID == "" {
		runID = NewRunID()
	}

	h := &Host{
		hostCtx:  hostCtx,
		options:  options.withDefaults(),
		trace:    trace,
		metrics:  metrics,
		runID:    runID,
		log:      log,
		finishCh: make(chan struct{}),
	}

	for _, p := range plugins {
		ps := &pluginState{
			name:    p.FriendlyName(),
			typeKey: p.TypeKey(),
			plugin:  p,
			queue:   NewOutputQueue(),
			latch:   NewShortCircuitLatch(),
		}
		ps.ctx = newPluginContext(hostCtx, p.FriendlyName(), trace)
		h.plugins = append(h.plugins, ps)
	}

	return h
}

// Enqueue rejects empty lines silently, then pushes line onto every plugin's
// queue whose latch is still unset. Safe to call concurrently with Run.
func (h *Host) Enqueue(line string) {
	if line == "" {
		return
	}
	for _, ps := range h.plugins {
		if ps.latch.IsSet() {
			continue
		}
		ps.queue.Enqueue(line)
		if h.metrics != nil {
			h.metrics.setQueueDepth(ps.typeKey, ps.queue.Depth())
		}
	}
}

// Finish idempotently signals the job_finished edge Run observes to begin
// shutdown.
func (h *Host) Finish() {
	h.finishOnce.Do(func() { close(h.finishCh) })
}

// Run executes the two-phase shutdown protocol and returns once every
// worker and finalizer has settled. ctx is handed to every plugin call
// (Initialize/ProcessLine/Finalize) and is never cancelled by Run itself —
// cancellation of the workers' steady-state loop and of the PressureMonitor
// are both independent internal scopes. Calling Run more than once returns
// ErrAlreadyRun.
func (h *Host) Run(ctx context.Context) error {
	if !h.ran.CompareAndSwap(false, true) {
		return ErrAlreadyRun
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	monitorCtx, cancelMonitor := context.WithCancel(context.Background())
	defer cancelMonitor()

	monitored := make([]monitoredPlugin, len(h.plugins))
	for i, ps := range h.plugins {
		monitored[i] = monitoredPlugin{name: ps.name, typeKey: ps.typeKey, queue: ps.queue, latch: ps.latch}
	}
	monitor := NewPressureMonitor(h.options.ShortCircuitThreshold, h.options.MonitorFrequency, h.metrics, h.log)

	var monitorWG sync.WaitGroup
	monitorWG.Add(1)
	go func() {
		defer monitorWG.Done()
		monitor.Run(monitorCtx, monitored)
	}()

	var workerWG sync.WaitGroup
	for _, ps := range h.plugins {
		workerWG.Add(1)
		go func(ps *pluginState) {
			defer workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					h.trace.Trace(fmt.Sprintf("%s: worker panicked: %v", ps.name, r))
				}
			}()
			w := &worker{state: ps, steps: h.hostCtx.Steps, metrics: h.metrics}
			w.run(ctx, runCtx.Done())
		}(ps)
	}

	// Step 3: wait for finish() to fire.
	<-h.finishCh

	// Step 4: cancel run_token; the monitor stays alive for post-finish drain.
	cancelRun()

	// Step 5: await every worker, swallowing per-worker failures (the
	// panic recover above already traced them).
	workerWG.Wait()

	// Step 6: cancel the monitor now that no worker can still be draining.
	cancelMonitor()
	monitorWG.Wait()

	// Steps 7-8: finalize every plugin whose latch is unset, concurrently,
	// swallowing and tracing per-plugin failures.
	var finalizeWG sync.WaitGroup
	for _, ps := range h.plugins {
		if ps.latch.IsSet() {
			continue
		}
		finalizeWG.Add(1)
		go func(ps *pluginState) {
			defer finalizeWG.Done()
			defer func() {
				if r := recover(); r != nil {
					h.trace.Trace(fmt.Sprintf("%s: finalize panicked: %v", ps.name, r))
				}
			}()
			if err := ps.plugin.Finalize(ctx, ps.ctx); err != nil {
				h.trace.Trace(fmt.Sprintf("%s: finalize failed: %v", ps.name, err))
			}
		}(ps)
	}
	finalizeWG.Wait()

	return nil
}

// Stats returns a point-in-time snapshot of every plugin's observable
// state. Safe to call at any time, including concurrently with Run.
func (h *Host) Stats() []PluginStats {
	stats := make([]PluginStats, len(h.plugins))
	for i, ps := range h.plugins {
		stats[i] = PluginStats{
			Name:           ps.name,
			TypeKey:        ps.typeKey,
			QueueDepth:     ps.queue.Depth(),
			ShortCircuited: ps.latch.IsSet(),
			Initialized:    ps.initialized.Load(),
			RecordedErrors: len(ps.errorSnapshot()),
		}
	}
	return stats
}

// RunID returns the UUID tagging this Host's Run invocation, used to
// correlate diagnostics across a log aggregator.
func (h *Host) RunID() string {
	return h.runID
}
