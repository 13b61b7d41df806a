package pluginhost

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// idleBackoff is the fixed sleep between empty-queue polls during the
// steady-state drain.
const idleBackoff = 500 * time.Millisecond

// pluginState is the per-plugin state Host constructs once and hands to
// exactly one PluginWorker and to the PressureMonitor. queue and latch are
// safe for concurrent access by design; initialized and errors are written
// exclusively by the worker goroutine while it runs. initialized is an
// atomic.Bool and errors are mutex-guarded so Host.Stats can take a
// point-in-time snapshot concurrently with Run, not just after it settles.
type pluginState struct {
	name    string
	typeKey string
	plugin  Plugin
	ctx     *PluginContext
	queue   *OutputQueue
	latch   *ShortCircuitLatch

	initialized atomic.Bool

	errMu  sync.Mutex
	errors []string
}

// addError appends err to the plugin's bounded error list, silently dropping
// anything past maxRecordedErrors.
func (ps *pluginState) addError(err error) {
	ps.errMu.Lock()
	defer ps.errMu.Unlock()
	if len(ps.errors) < maxRecordedErrors {
		ps.errors = append(ps.errors, err.Error())
	}
}

func (ps *pluginState) errorSnapshot() []string {
	ps.errMu.Lock()
	defer ps.errMu.Unlock()
	out := make([]string, len(ps.errors))
	copy(out, ps.errors)
	return out
}

// worker drives a single plugin through Initialize -> steady-state drain ->
// post-finish drain -> report, honoring its ShortCircuitLatch and the
// host-wide run token throughout.
type worker struct {
	state   *pluginState
	steps   map[string]Step
	metrics *Metrics
}

// run drives the plugin through all four phases: initialize, steady-state
// drain, post-finish drain, report. ctx is the long-lived context handed to
// every plugin call (Initialize/ProcessLine/Finalize are never cancelled out
// from under the plugin); runDone is closed when Host.Finish() fires and
// marks the steady-state -> post-finish transition.
func (w *worker) run(ctx context.Context, runDone <-chan struct{}) {
	if !w.initialize(ctx) {
		w.report()
		return
	}

	w.steadyStateDrain(ctx, runDone)

	if !w.state.latch.IsSet() {
		w.postFinishDrain(ctx)
	}

	w.report()
}

// initialize runs Phase 1. On throw or return-false it records the error,
// emits the "Skip process outputs" line, and trips the latch so Phase 2/3
// never deliver a line to this plugin. Returns whether the plugin may
// proceed to Phase 2.
func (w *worker) initialize(ctx context.Context) (ok bool) {
	var (
		result bool
		err    error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic in initialize: %v", r)
			}
		}()
		result, err = w.state.plugin.Initialize(ctx, w.state.ctx)
	}()

	if err != nil || !result {
		if err == nil {
			err = initializeDeclinedError()
		}
		w.state.addError(err)
		if w.metrics != nil {
			w.metrics.recordProcessError(w.state.typeKey)
		}
		w.state.ctx.Output("Skip process outputs for this plugin, initialize failed or declined.")
		w.state.latch.Set()
		w.state.initialized.Store(false)
		return false
	}

	w.state.initialized.Store(true)
	return true
}

// steadyStateDrain runs Phase 2: drain while the latch is unset and the run
// token hasn't fired, sleeping idleBackoff between empty polls.
func (w *worker) steadyStateDrain(ctx context.Context, runDone <-chan struct{}) {
	for {
		select {
		case <-runDone:
			w.emitPending()
			return
		default:
		}
		if w.state.latch.IsSet() {
			return
		}

		w.drainAvailable(ctx)

		select {
		case <-runDone:
			w.emitPending()
			return
		case <-w.state.latch.Done():
			return
		case <-time.After(idleBackoff):
		}
	}
}

// postFinishDrain runs Phase 3: a single pass over whatever is left in the
// queue, with no sleep between empties, delivering lines enqueued in the
// window between Finish() and the worker waking up.
func (w *worker) postFinishDrain(ctx context.Context) {
	w.drainAvailable(ctx)
}

// drainAvailable pops and processes lines until the queue is empty or the
// latch trips, matching the inner dequeue loop shared by Phase 2 and Phase 3.
func (w *worker) drainAvailable(ctx context.Context) {
	for !w.state.latch.IsSet() {
		line, ok := w.state.queue.TryDequeue()
		if !ok {
			return
		}
		w.processOne(ctx, line)
	}
}

// emitPending is the best-effort "lines still queued" notice emitted when
// the run token fires while the queue is non-empty.
func (w *worker) emitPending() {
	if depth := w.state.queue.Depth(); depth > 0 {
		w.state.ctx.Output(fmt.Sprintf("Pending process %d log lines", depth))
	}
}

// processOne splits a line on its first colon, looks up the step, and races
// the plugin's ProcessLine call against the latch: if the latch fires
// first, the call is abandoned without waiting for it to finish — the
// worker must never deadlock on a plugin stuck inside process_line. The
// step lookup happens on the same goroutine as the call, so a missing id
// surfaces through the same fault path as a ProcessLine error, not a
// separate host-level error.
func (w *worker) processOne(ctx context.Context, line string) {
	id, message := splitLine(line)

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in process_line: %v", r)
			}
		}()
		step, ok := w.steps[id]
		if !ok {
			done <- unknownStepError(id)
			return
		}
		done <- w.state.plugin.ProcessLine(ctx, w.state.ctx, step, message)
	}()

	select {
	case err := <-done:
		if err != nil {
			w.state.addError(err)
			if w.metrics != nil {
				w.metrics.recordProcessError(w.state.typeKey)
			}
		}
	case <-w.state.latch.Done():
		// Abandon without awaiting the goroutine above; its result, if any,
		// is discarded into the buffered channel.
	}
}

// report runs Phase 4: short-circuit notice (only if the plugin had
// initialized), unconditional queue clear, and one "Fail to process
// output" line per recorded error.
func (w *worker) report() {
	if w.state.latch.IsSet() && w.state.initialized.Load() {
		w.state.ctx.Output("Plugin has been short circuited due to exceed memory usage limit.")
	}
	w.state.queue.Clear()
	for _, e := range w.state.errorSnapshot() {
		w.state.ctx.Output(fmt.Sprintf("Fail to process output: %s", e))
	}
}

// splitLine separates the step id from the message at the first colon:
// "1:2:hello" -> ("1", "2:hello"). A line with no colon yields the whole
// line as the id and an empty message — the step lookup will fail and this
// becomes an ordinary plugin-level fault, not a host panic.
func splitLine(line string) (id string, message string) {
	for i := 0; i < len(line); i++ {
		if line[i] == ':' {
			return line[:i], line[i+1:]
		}
	}
	return line, ""
}
