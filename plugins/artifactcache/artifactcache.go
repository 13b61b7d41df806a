// Package artifactcache implements a log plugin that mirrors every log line
// into Redis, keyed by run and step, so a dashboard can tail a running job
// without holding a connection open to the job runner itself.
package artifactcache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/streamspace-dev/logpluginhost/internal/pluginhost"
)

// Config holds the plugin's Redis connection settings.
type Config struct {
	Host     string
	Port     string
	Password string
	DB       int

	// KeyPrefix namespaces this run's keys, e.g. "logpluginhost:<runID>".
	KeyPrefix string
	// TTL bounds how long a step's line list survives in Redis.
	TTL time.Duration
}

// DefaultConfig returns the plugin's documented defaults.
func DefaultConfig() Config {
	return Config{
		Host: "localhost",
		Port: "6379",
		DB:   0,
		TTL:  1 * time.Hour,
	}
}

// Plugin mirrors log lines into Redis lists, one per step. A failed ping in
// Initialize declines the run for this plugin; the error is recorded on the
// host's per-plugin error path and does not block the rest of the fan-out.
type Plugin struct {
	cfg    Config
	client *redis.Client
}

// New constructs an artifactcache plugin. The Redis client is lazily
// connected in Initialize so construction never fails.
func New(cfg Config) *Plugin {
	return &Plugin{cfg: cfg}
}

func (p *Plugin) FriendlyName() string { return "Artifact Cache" }
func (p *Plugin) TypeKey() string      { return "artifactcache" }

// Initialize opens the Redis connection and pings it. A failed ping declines
// processing for this run rather than silently dropping every line.
func (p *Plugin) Initialize(ctx context.Context, pctx *pluginhost.PluginContext) (bool, error) {
	p.client = redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", p.cfg.Host, p.cfg.Port),
		Password: p.cfg.Password,
		DB:       p.cfg.DB,

		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,

		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.client.Ping(pingCtx).Err(); err != nil {
		return false, fmt.Errorf("artifactcache: failed to ping redis: %w", err)
	}

	pctx.Trace("connected to redis cache")
	return true, nil
}

// ProcessLine appends the line to the step's Redis list and refreshes its
// TTL, so a reconnecting dashboard only ever sees a bounded window.
func (p *Plugin) ProcessLine(ctx context.Context, pctx *pluginhost.PluginContext, step pluginhost.Step, message string) error {
	key := p.stepKey(step.ID)

	if err := p.client.RPush(ctx, key, message).Err(); err != nil {
		return fmt.Errorf("artifactcache: failed to push line for step %s: %w", step.ID, err)
	}
	if err := p.client.Expire(ctx, key, p.cfg.TTL).Err(); err != nil {
		return fmt.Errorf("artifactcache: failed to refresh ttl for step %s: %w", step.ID, err)
	}
	return nil
}

// Finalize closes the Redis connection.
func (p *Plugin) Finalize(ctx context.Context, pctx *pluginhost.PluginContext) error {
	if p.client == nil {
		return nil
	}
	return p.client.Close()
}

func (p *Plugin) stepKey(stepID string) string {
	return fmt.Sprintf("%s:step:%s:lines", p.cfg.KeyPrefix, stepID)
}
