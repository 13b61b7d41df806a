package pluginhost

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// diagnosticMarker is the host-recognized prefix for the diagnostic trace
// channel.
const diagnosticMarker = "##[plugin.trace]"

// Trace is the two-channel sink every plugin and the host itself write
// through: a diagnostic trace (the host's own log) and a user-visible
// output channel (the job log). Both channels are line-atomic — a writer
// owns its own mutex rather than relying on the underlying io.Writer to
// serialize concurrent writers, since stdout is shared by many goroutines
// here (one PluginWorker per plugin, plus the Host's finalize goroutines).
type Trace struct {
	mu      sync.Mutex
	diagOut io.Writer
	userOut io.Writer
	log     zerolog.Logger
}

// NewTrace builds a Trace writing diagnostics to diagOut and user-visible
// output to userOut, mirroring every diagnostic emission to a structured
// zerolog logger for centralized log aggregation. User-visible output is
// not mirrored.
func NewTrace(diagOut, userOut io.Writer, log zerolog.Logger) *Trace {
	return &Trace{diagOut: diagOut, userOut: userOut, log: log}
}

// NewStdoutTrace is the default trace used when a Host is constructed
// without one: both channels write to stdout, each emission line-atomic.
func NewStdoutTrace(log zerolog.Logger) *Trace {
	return NewTrace(os.Stdout, os.Stdout, log)
}

// Trace emits a diagnostic line prefixed with the host-recognized marker.
func (t *Trace) Trace(message string) {
	t.mu.Lock()
	fmt.Fprintf(t.diagOut, "%s %s\n", diagnosticMarker, message)
	t.mu.Unlock()
	t.log.Debug().Msg(message)
}

// Output emits a plain user-visible line.
func (t *Trace) Output(message string) {
	t.mu.Lock()
	fmt.Fprintf(t.userOut, "%s\n", message)
	t.mu.Unlock()
}
