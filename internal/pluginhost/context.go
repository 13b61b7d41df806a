package pluginhost

import "fmt"

// PluginContext is the immutable per-plugin handle threaded through every
// call into a plugin: the opaque ServiceContext, read-only views of the
// step table and endpoint/repository/variable maps, and a trace that
// prefixes every message with the plugin's friendly name. It exposes only
// Trace and Output — plugins have no other way to reach the host.
type PluginContext struct {
	Service      *ServiceContext
	Steps        map[string]Step
	Endpoints    map[string]string
	Repositories map[string]string
	Variables    map[string]string

	friendlyName string
	trace        *Trace
}

// newPluginContext constructs the immutable-after-construction context for
// one plugin. The maps are shared read-only views over the HostContext —
// plugins must not mutate them; nothing in this package does.
func newPluginContext(hc HostContext, friendlyName string, trace *Trace) *PluginContext {
	return &PluginContext{
		Service:      hc.Service,
		Steps:        hc.Steps,
		Endpoints:    hc.Endpoints,
		Repositories: hc.Repositories,
		Variables:    hc.Variables,
		friendlyName: friendlyName,
		trace:        trace,
	}
}

// Trace emits a diagnostic message prefixed with this plugin's friendly name.
func (c *PluginContext) Trace(message string) {
	c.trace.Trace(fmt.Sprintf("%s: %s", c.friendlyName, message))
}

// Output emits a user-visible message prefixed with this plugin's friendly name.
func (c *PluginContext) Output(message string) {
	c.trace.Output(fmt.Sprintf("%s: %s", c.friendlyName, message))
}
