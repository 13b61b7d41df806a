// Package failurenotifier implements a log plugin that watches for a
// configurable failure marker in the line stream and publishes a NATS event
// the instant one appears, so a downstream alerting service can react
// without tailing the job's own log output.
package failurenotifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/streamspace-dev/logpluginhost/internal/pluginhost"
)

// Config holds the plugin's NATS connection and matching settings.
type Config struct {
	URL      string
	User     string
	Password string

	// Subject is the NATS subject a failure event is published to.
	Subject string
	// Marker is the case-sensitive substring that marks a line as a failure.
	Marker string
}

// DefaultConfig returns the plugin's documented defaults.
func DefaultConfig() Config {
	return Config{
		URL:     nats.DefaultURL,
		Subject: "logpluginhost.run.failure",
		Marker:  "##[error]",
	}
}

// FailureEvent is published once per matching line.
type FailureEvent struct {
	EventID   string    `json:"event_id"`
	RunID     string    `json:"run_id"`
	StepID    string    `json:"step_id"`
	StepName  string    `json:"step_name"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Plugin scans every line for Marker and publishes a FailureEvent on match.
// It never declines a run over a publish failure: the line has already been
// delivered to every other plugin, so a notification outage here shows up as
// a recorded process_line error, not a run-wide abort.
type Plugin struct {
	cfg   Config
	runID string
	conn  *nats.Conn
}

// New constructs a failurenotifier plugin tagged with runID.
func New(cfg Config, runID string) *Plugin {
	return &Plugin{cfg: cfg, runID: runID}
}

func (p *Plugin) FriendlyName() string { return "Failure Notifier" }
func (p *Plugin) TypeKey() string      { return "failurenotifier" }

// Initialize connects to NATS with indefinite reconnect, matching the
// controller pack's subscriber connection options.
func (p *Plugin) Initialize(ctx context.Context, pctx *pluginhost.PluginContext) (bool, error) {
	opts := []nats.Option{
		nats.Name("logpluginhost-failurenotifier"),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
	}
	if p.cfg.User != "" {
		opts = append(opts, nats.UserInfo(p.cfg.User, p.cfg.Password))
	}

	conn, err := nats.Connect(p.cfg.URL, opts...)
	if err != nil {
		return false, fmt.Errorf("failurenotifier: failed to connect to nats: %w", err)
	}

	p.conn = conn
	pctx.Trace("connected to nats")
	return true, nil
}

// ProcessLine publishes a FailureEvent when message contains the marker.
func (p *Plugin) ProcessLine(ctx context.Context, pctx *pluginhost.PluginContext, step pluginhost.Step, message string) error {
	if !strings.Contains(message, p.cfg.Marker) {
		return nil
	}

	event := FailureEvent{
		EventID:   uuid.NewString(),
		RunID:     p.runID,
		StepID:    step.ID,
		StepName:  step.Name,
		Message:   message,
		Timestamp: time.Now(),
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failurenotifier: failed to marshal event: %w", err)
	}
	if err := p.conn.Publish(p.cfg.Subject, data); err != nil {
		return fmt.Errorf("failurenotifier: failed to publish event: %w", err)
	}
	return nil
}

// Finalize closes the NATS connection.
func (p *Plugin) Finalize(ctx context.Context, pctx *pluginhost.PluginContext) error {
	if p.conn != nil {
		p.conn.Close()
	}
	return nil
}
