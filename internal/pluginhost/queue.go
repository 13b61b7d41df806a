package pluginhost

import (
	"sync"
	"sync/atomic"
)

// OutputQueue is a FIFO of raw log lines, safe for many concurrent
// producers (Host.Enqueue callers, one per plugin's subscription) and a
// single consumer (that plugin's PluginWorker). Depth is tracked with an
// atomic counter so it can be sampled cheaply and frequently by the
// PressureMonitor without contending with the producer/consumer mutex.
type OutputQueue struct {
	mu    sync.Mutex
	items []string
	depth int64
}

// NewOutputQueue returns an empty queue.
func NewOutputQueue() *OutputQueue {
	return &OutputQueue{}
}

// Enqueue appends a line. Safe to call from any number of goroutines.
func (q *OutputQueue) Enqueue(line string) {
	q.mu.Lock()
	q.items = append(q.items, line)
	q.mu.Unlock()
	atomic.AddInt64(&q.depth, 1)
}

// TryDequeue pops the oldest line, if any. Only the owning consumer
// goroutine should call this — concurrent consumers would break the
// per-plugin FIFO ordering guarantee.
func (q *OutputQueue) TryDequeue() (string, bool) {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return "", false
	}
	line := q.items[0]
	q.items[0] = ""
	q.items = q.items[1:]
	q.mu.Unlock()
	atomic.AddInt64(&q.depth, -1)
	return line, true
}

// Depth reports the approximate number of queued lines. It need not be
// exact under contention but is monotone-consistent with the consumer's
// own view: the consumer never observes a depth lower than what TryDequeue
// has actually drained.
func (q *OutputQueue) Depth() int {
	return int(atomic.LoadInt64(&q.depth))
}

// Clear discards all queued lines, used by the worker's Phase 4 report,
// which clears the queue unconditionally.
func (q *OutputQueue) Clear() {
	q.mu.Lock()
	n := int64(len(q.items))
	q.items = nil
	q.mu.Unlock()
	atomic.AddInt64(&q.depth, -n)
}
