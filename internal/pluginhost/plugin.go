// Package pluginhost implements the Log Plugin Host: an in-process
// dispatcher that fans an ordered stream of job-runner log lines out to a
// static set of log plugins, isolates plugin faults from one another, and
// enforces a memory-pressure safety valve that short-circuits a slow
// plugin rather than letting its backlog exhaust host memory.
package pluginhost

import "context"

// Step is a job-defined unit of work identified by the id embedded at the
// front of each log line. The host treats everything beyond ID/Name as the
// runner's concern; this is a reference record, not a mutable model.
type Step struct {
	ID   string
	Name string
}

// ServiceContext is the opaque bundle of credentials, HTTP settings, and
// remote endpoints the enclosing runner hands the host. The host never
// inspects it; it is threaded through to plugins verbatim via
// PluginContext. Concrete fields are a convenience for tests and the
// example plugins in this repo, not a contract plugins may rely on beyond
// "ask the host for it."
type ServiceContext struct {
	Endpoints map[string]string
	Variables map[string]string
}

// HostContext bundles everything Host needs at construction time: the
// opaque service context, the step lookup table, and the endpoint/
// repository/variable maps plugins receive read-only views of.
type HostContext struct {
	Service      *ServiceContext
	Steps        map[string]Step
	Endpoints    map[string]string
	Repositories map[string]string
	Variables    map[string]string
}

// Plugin is the contract every log plugin must implement.
//
// TypeKey must be a stable identifier distinct from FriendlyName — it is
// used internally (e.g. in metrics labels) and must not change across
// releases of the plugin even if its display name does.
//
// Initialize may perform I/O; returning false or a non-nil error declines
// processing for this job and short-circuits the plugin before any line is
// delivered.
//
// ProcessLine failures are isolated to the plugin: the error is recorded,
// not propagated, and the drain continues. A panic inside ProcessLine is
// recovered by the worker and treated the same as a returned error.
//
// Finalize runs only for plugins that initialized successfully and were
// never short-circuited; it is the place for bulk uploads or flushing
// buffered state.
type Plugin interface {
	FriendlyName() string
	TypeKey() string

	Initialize(ctx context.Context, pctx *PluginContext) (bool, error)
	ProcessLine(ctx context.Context, pctx *PluginContext, step Step, message string) error
	Finalize(ctx context.Context, pctx *PluginContext) error
}
