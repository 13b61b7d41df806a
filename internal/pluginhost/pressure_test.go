package pluginhost

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func TestPressureMonitor_TripsAfterConsecutiveOverflow(t *testing.T) {
	queue := NewOutputQueue()
	for i := 0; i < 20; i++ {
		queue.Enqueue("x")
	}
	latch := NewShortCircuitLatch()
	plugins := []monitoredPlugin{{name: "p", queue: queue, latch: latch}}

	monitor := NewPressureMonitor(5, 2*time.Millisecond, nil, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		monitor.Run(ctx, plugins)
		close(done)
	}()

	select {
	case <-latch.Done():
	case <-time.After(time.Second):
		t.Fatal("latch never tripped under sustained overflow")
	}
	cancel()
	<-done
}

func TestPressureMonitor_TransientBurstDoesNotTrip(t *testing.T) {
	queue := NewOutputQueue()
	latch := NewShortCircuitLatch()
	plugins := []monitoredPlugin{{name: "p", queue: queue, latch: latch}}

	monitor := NewPressureMonitor(5, 2*time.Millisecond, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		monitor.Run(ctx, plugins)
		close(done)
	}()

	for i := 0; i < 20; i++ {
		queue.Enqueue("x")
	}
	time.Sleep(6 * time.Millisecond)
	for {
		if _, ok := queue.TryDequeue(); !ok {
			break
		}
	}

	time.Sleep(40 * time.Millisecond)
	cancel()
	<-done

	assert.False(t, latch.IsSet())
}

func TestPressureMonitor_SkipsAlreadyLatchedPlugin(t *testing.T) {
	queue := NewOutputQueue()
	for i := 0; i < 20; i++ {
		queue.Enqueue("x")
	}
	latch := NewShortCircuitLatch()
	latch.Set()
	plugins := []monitoredPlugin{{name: "p", queue: queue, latch: latch}}

	reg := prometheus.NewRegistry()
	monitor := NewPressureMonitor(5, 2*time.Millisecond, NewMetrics(reg), testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	monitor.Run(ctx, plugins)

	assert.Equal(t, 20, queue.Depth())
	families, err := reg.Gather()
	assert.NoError(t, err)
	assert.Empty(t, families)
}

func TestPressureMonitor_StopsOnContextCancel(t *testing.T) {
	monitor := NewPressureMonitor(5, 2*time.Millisecond, nil, testLogger())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		monitor.Run(ctx, nil)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
