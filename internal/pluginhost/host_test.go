package pluginhost

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePlugin is a configurable Plugin used across the suite below. Each
// hook is optional; nil hooks fall back to permissive defaults.
type fakePlugin struct {
	name    string
	typeKey string

	mu        sync.Mutex
	received  []string
	initCalls int
	finalized bool

	onInitialize  func() (bool, error)
	onProcessLine func(step Step, message string) error
	onFinalize    func() error
}

func (p *fakePlugin) FriendlyName() string { return p.name }
func (p *fakePlugin) TypeKey() string      { return p.typeKey }

func (p *fakePlugin) Initialize(_ context.Context, _ *PluginContext) (bool, error) {
	p.mu.Lock()
	p.initCalls++
	p.mu.Unlock()
	if p.onInitialize != nil {
		return p.onInitialize()
	}
	return true, nil
}

func (p *fakePlugin) ProcessLine(_ context.Context, _ *PluginContext, step Step, message string) error {
	p.mu.Lock()
	p.received = append(p.received, fmt.Sprintf("%s:%s", step.ID, message))
	p.mu.Unlock()
	if p.onProcessLine != nil {
		return p.onProcessLine(step, message)
	}
	return nil
}

func (p *fakePlugin) Finalize(_ context.Context, _ *PluginContext) error {
	p.mu.Lock()
	p.finalized = true
	p.mu.Unlock()
	if p.onFinalize != nil {
		return p.onFinalize()
	}
	return nil
}

func (p *fakePlugin) receivedLines() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.received))
	copy(out, p.received)
	return out
}

func (p *fakePlugin) wasFinalized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.finalized
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func testHostContext(steps map[string]Step) HostContext {
	return HostContext{
		Service: &ServiceContext{},
		Steps:   steps,
	}
}

// TestHost_HappyPath verifies that two plugins see the same lines, in
// enqueue order, and both finalize.
func TestHost_HappyPath(t *testing.T) {
	steps := map[string]Step{"1": {ID: "1", Name: "build"}, "2": {ID: "2", Name: "test"}}
	pluginA := &fakePlugin{name: "A", typeKey: "plugin-a"}
	pluginB := &fakePlugin{name: "B", typeKey: "plugin-b"}

	var userOut bytes.Buffer
	trace := NewTrace(&bytes.Buffer{}, &userOut, testLogger())

	h := New(testHostContext(steps), []Plugin{pluginA, pluginB}, trace, Options{}, nil, testLogger(), "")

	h.Enqueue("1:hello")
	h.Enqueue("1:world")
	h.Enqueue("2:bye")
	h.Finish()

	require.NoError(t, h.Run(context.Background()))

	assert.Equal(t, []string{"1:hello", "1:world", "2:bye"}, pluginA.receivedLines())
	assert.Equal(t, []string{"1:hello", "1:world", "2:bye"}, pluginB.receivedLines())
	assert.True(t, pluginA.wasFinalized())
	assert.True(t, pluginB.wasFinalized())
}

// TestHost_InitializeDecline verifies that a plugin which declines
// initialization never sees ProcessLine or Finalize, and the other plugin
// is unaffected.
func TestHost_InitializeDecline(t *testing.T) {
	steps := map[string]Step{"1": {ID: "1", Name: "build"}}
	declining := &fakePlugin{
		name: "declines", typeKey: "declines",
		onInitialize: func() (bool, error) { return false, nil },
	}
	accepting := &fakePlugin{name: "accepts", typeKey: "accepts"}

	var userOut bytes.Buffer
	trace := NewTrace(&bytes.Buffer{}, &userOut, testLogger())

	h := New(testHostContext(steps), []Plugin{declining, accepting}, trace, Options{}, nil, testLogger(), "")
	h.Enqueue("1:x")
	h.Finish()
	require.NoError(t, h.Run(context.Background()))

	assert.Empty(t, declining.receivedLines())
	assert.False(t, declining.wasFinalized())
	assert.Contains(t, userOut.String(), "Skip process outputs")

	assert.Equal(t, []string{"1:x"}, accepting.receivedLines())
	assert.True(t, accepting.wasFinalized())
}

// TestHost_ProcessLineFailure verifies that when every ProcessLine call
// fails, errors are recorded (bounded) and reported, but Finalize still runs.
func TestHost_ProcessLineFailure(t *testing.T) {
	steps := map[string]Step{"1": {ID: "1", Name: "build"}}
	faulty := &fakePlugin{
		name: "faulty", typeKey: "faulty",
		onProcessLine: func(Step, string) error { return fmt.Errorf("boom") },
	}

	var userOut bytes.Buffer
	trace := NewTrace(&bytes.Buffer{}, &userOut, testLogger())

	h := New(testHostContext(steps), []Plugin{faulty}, trace, Options{}, nil, testLogger(), "")
	h.Enqueue("1:a")
	h.Enqueue("1:b")
	h.Enqueue("1:c")
	h.Finish()
	require.NoError(t, h.Run(context.Background()))

	assert.True(t, faulty.wasFinalized())
	assert.Equal(t, 3, strings.Count(userOut.String(), "Fail to process output: boom"))
}

// TestHost_ErrorListBounded verifies that at most 10 errors are recorded
// even when far more than 10 lines fail.
func TestHost_ErrorListBounded(t *testing.T) {
	steps := map[string]Step{"1": {ID: "1", Name: "build"}}
	faulty := &fakePlugin{
		name: "faulty", typeKey: "faulty",
		onProcessLine: func(Step, string) error { return fmt.Errorf("boom") },
	}

	var userOut bytes.Buffer
	trace := NewTrace(&bytes.Buffer{}, &userOut, testLogger())

	h := New(testHostContext(steps), []Plugin{faulty}, trace, Options{}, nil, testLogger(), "")
	for i := 0; i < 50; i++ {
		h.Enqueue(fmt.Sprintf("1:line-%d", i))
	}
	h.Finish()
	require.NoError(t, h.Run(context.Background()))

	assert.Equal(t, 10, strings.Count(userOut.String(), "Fail to process output: boom"))
}

// TestHost_ShortCircuitByPressure verifies that a plugin stuck inside
// ProcessLine is latched off after sustained overflow, its queue is
// cleared, Finalize is skipped, and the short-circuit notice is emitted.
func TestHost_ShortCircuitByPressure(t *testing.T) {
	steps := map[string]Step{"1": {ID: "1", Name: "build"}}
	blocked := make(chan struct{})
	stuck := &fakePlugin{
		name: "stuck", typeKey: "stuck",
		onProcessLine: func(Step, string) error {
			<-blocked
			return nil
		},
	}
	defer close(blocked)

	var userOut bytes.Buffer
	trace := NewTrace(&bytes.Buffer{}, &userOut, testLogger())

	h := New(testHostContext(steps), []Plugin{stuck}, trace,
		Options{ShortCircuitThreshold: 5, MonitorFrequency: 10 * time.Millisecond}, nil, testLogger(), "")

	for i := 0; i < 100; i++ {
		h.Enqueue(fmt.Sprintf("1:line-%d", i))
	}

	done := make(chan struct{})
	go func() {
		h.Finish()
		_ = h.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return within the short-circuit window")
	}

	assert.Equal(t, 0, h.Stats()[0].QueueDepth)
	assert.False(t, stuck.wasFinalized())
	assert.Contains(t, userOut.String(), "short circuited due to exceed memory usage limit")
}

// TestHost_TransientBurstNoTrip verifies that a burst which never pushes
// depth past threshold leaves the plugin unlatched, with every line
// eventually delivered and Finalize run.
func TestHost_TransientBurstNoTrip(t *testing.T) {
	steps := map[string]Step{"1": {ID: "1", Name: "build"}}
	var processed int
	var mu sync.Mutex
	slow := &fakePlugin{
		name: "slow", typeKey: "slow",
		onProcessLine: func(Step, string) error {
			mu.Lock()
			processed++
			mu.Unlock()
			time.Sleep(time.Millisecond)
			return nil
		},
	}

	var userOut bytes.Buffer
	trace := NewTrace(&bytes.Buffer{}, &userOut, testLogger())

	// Threshold comfortably above the full burst size: depth may momentarily
	// sit near the burst count while the slow plugin catches up, but it can
	// never sample as overflow, so the monitor never even starts counting.
	h := New(testHostContext(steps), []Plugin{slow}, trace,
		Options{ShortCircuitThreshold: 200, MonitorFrequency: 2 * time.Millisecond}, nil, testLogger(), "")

	for i := 0; i < 100; i++ {
		h.Enqueue(fmt.Sprintf("1:line-%d", i))
	}
	h.Finish()
	require.NoError(t, h.Run(context.Background()))

	assert.Len(t, slow.receivedLines(), 100)
	assert.True(t, slow.wasFinalized())
	assert.NotContains(t, userOut.String(), "short circuited")
}

// TestHost_FinalizeFailure verifies that Run still returns, other plugins'
// finalizers still run, and the failure lands on the diagnostic trace, not
// the user output.
func TestHost_FinalizeFailure(t *testing.T) {
	steps := map[string]Step{"1": {ID: "1", Name: "build"}}
	failing := &fakePlugin{
		name: "failing", typeKey: "failing",
		onFinalize: func() error { return fmt.Errorf("upload failed") },
	}
	healthy := &fakePlugin{name: "healthy", typeKey: "healthy"}

	var diagOut, userOut bytes.Buffer
	trace := NewTrace(&diagOut, &userOut, testLogger())

	h := New(testHostContext(steps), []Plugin{failing, healthy}, trace, Options{}, nil, testLogger(), "")
	h.Enqueue("1:x")
	h.Finish()
	require.NoError(t, h.Run(context.Background()))

	assert.True(t, failing.wasFinalized())
	assert.True(t, healthy.wasFinalized())
	assert.Contains(t, diagOut.String(), "finalize failed")
}

// TestHost_EmptyLinesDropped verifies that Enqueue silently drops empty
// lines instead of delivering them to any plugin.
func TestHost_EmptyLinesDropped(t *testing.T) {
	steps := map[string]Step{"1": {ID: "1", Name: "build"}}
	p := &fakePlugin{name: "p", typeKey: "p"}

	trace := NewTrace(&bytes.Buffer{}, &bytes.Buffer{}, testLogger())
	h := New(testHostContext(steps), []Plugin{p}, trace, Options{}, nil, testLogger(), "")

	h.Enqueue("")
	h.Enqueue("1:real")
	h.Enqueue("")
	h.Finish()
	require.NoError(t, h.Run(context.Background()))

	assert.Equal(t, []string{"1:real"}, p.receivedLines())
}

// TestHost_FinishIdempotent and TestHost_RunTwiceErrors verify that
// calling Finish more than once is a no-op and calling Run more than once
// returns ErrAlreadyRun.
func TestHost_FinishIdempotent(t *testing.T) {
	trace := NewTrace(&bytes.Buffer{}, &bytes.Buffer{}, testLogger())
	h := New(testHostContext(nil), nil, trace, Options{}, nil, testLogger(), "")

	h.Finish()
	assert.NotPanics(t, func() { h.Finish() })
	require.NoError(t, h.Run(context.Background()))
}

func TestHost_RunTwiceErrors(t *testing.T) {
	trace := NewTrace(&bytes.Buffer{}, &bytes.Buffer{}, testLogger())
	h := New(testHostContext(nil), nil, trace, Options{}, nil, testLogger(), "")

	h.Finish()
	require.NoError(t, h.Run(context.Background()))
	assert.ErrorIs(t, h.Run(context.Background()), ErrAlreadyRun)
}

// TestHost_ZeroPlugins verifies that Run with zero plugins returns promptly
// once Finish fires.
func TestHost_ZeroPlugins(t *testing.T) {
	trace := NewTrace(&bytes.Buffer{}, &bytes.Buffer{}, testLogger())
	h := New(testHostContext(nil), nil, trace, Options{}, nil, testLogger(), "")

	done := make(chan struct{})
	go func() {
		h.Finish()
		_ = h.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run with zero plugins did not return promptly")
	}
}

// TestHost_StepLookupFailureIsPluginFault verifies that a missing step id
// surfaces as an ordinary recorded plugin error, not a host-level failure.
func TestHost_StepLookupFailureIsPluginFault(t *testing.T) {
	p := &fakePlugin{name: "p", typeKey: "p"}

	var userOut bytes.Buffer
	trace := NewTrace(&bytes.Buffer{}, &userOut, testLogger())
	h := New(testHostContext(map[string]Step{}), []Plugin{p}, trace, Options{}, nil, testLogger(), "")

	h.Enqueue("missing:hello")
	h.Finish()
	require.NoError(t, h.Run(context.Background()))

	assert.Empty(t, p.receivedLines())
	assert.Contains(t, userOut.String(), `unknown step id "missing"`)
}
