// Package artifactuploader implements a log plugin that batches log lines
// and uploads them to S3 as newline-delimited JSON, date-partitioned the
// same way the observability pack's S3 callback lays out its keys.
package artifactuploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/streamspace-dev/logpluginhost/internal/pluginhost"
)

// Config holds the plugin's S3 destination and batching settings.
type Config struct {
	BucketName  string
	Region      string
	AccessKeyID string
	SecretKey   string
	Endpoint    string // custom endpoint for MinIO-compatible stores
	PathPrefix  string
	BatchSize   int
}

// DefaultConfig returns the plugin's documented defaults.
func DefaultConfig() Config {
	return Config{BatchSize: 200}
}

type lineEntry struct {
	StepID    string    `json:"step_id"`
	StepName  string    `json:"step_name"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Plugin batches every processed line in memory and flushes it to S3 as one
// object per run on Finalize, plus an early flush if BatchSize is reached
// mid-run so a long job doesn't hold its entire log in memory.
type Plugin struct {
	cfg    Config
	client *s3.Client
	runID  string

	mu      sync.Mutex
	pending []lineEntry
}

// New constructs an artifactuploader plugin tagged with runID, used to
// disambiguate this run's S3 keys from any other concurrent run.
func New(cfg Config, runID string) *Plugin {
	return &Plugin{cfg: cfg, runID: runID}
}

func (p *Plugin) FriendlyName() string { return "Artifact Uploader" }
func (p *Plugin) TypeKey() string      { return "artifactuploader" }

// Initialize loads AWS credentials and builds the S3 client.
func (p *Plugin) Initialize(ctx context.Context, pctx *pluginhost.PluginContext) (bool, error) {
	if p.cfg.BucketName == "" {
		return false, fmt.Errorf("artifactuploader: bucket name is required")
	}

	opts := []func(*config.LoadOptions) error{}
	if p.cfg.Region != "" {
		opts = append(opts, config.WithRegion(p.cfg.Region))
	}
	if p.cfg.AccessKeyID != "" && p.cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(p.cfg.AccessKeyID, p.cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return false, fmt.Errorf("artifactuploader: failed to load aws config: %w", err)
	}

	s3Opts := []func(*s3.Options){}
	if p.cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(p.cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	p.client = s3.NewFromConfig(awsCfg, s3Opts...)
	pctx.Trace("s3 client ready")
	return true, nil
}

// ProcessLine buffers the line and triggers an early flush once BatchSize is
// reached, keeping the in-memory buffer bounded for very long runs.
func (p *Plugin) ProcessLine(ctx context.Context, pctx *pluginhost.PluginContext, step pluginhost.Step, message string) error {
	p.mu.Lock()
	p.pending = append(p.pending, lineEntry{
		StepID:    step.ID,
		StepName:  step.Name,
		Message:   message,
		Timestamp: time.Now(),
	})
	full := len(p.pending) >= p.cfg.BatchSize
	p.mu.Unlock()

	if full {
		return p.flush(ctx)
	}
	return nil
}

// Finalize flushes whatever remains buffered.
func (p *Plugin) Finalize(ctx context.Context, pctx *pluginhost.PluginContext) error {
	return p.flush(ctx)
}

func (p *Plugin) flush(ctx context.Context) error {
	p.mu.Lock()
	if len(p.pending) == 0 {
		p.mu.Unlock()
		return nil
	}
	entries := p.pending
	p.pending = nil
	p.mu.Unlock()

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	for i := range entries {
		if err := encoder.Encode(&entries[i]); err != nil {
			continue
		}
	}

	key := p.generateKey(time.Now().UTC())
	_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.cfg.BucketName),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("artifactuploader: failed to upload log batch: %w", err)
	}
	return nil
}

func (p *Plugin) generateKey(t time.Time) string {
	datePrefix := fmt.Sprintf("year=%d/month=%02d/day=%02d", t.Year(), t.Month(), t.Day())
	filename := fmt.Sprintf("%s_%d.jsonl", p.runID, t.UnixNano())
	if p.cfg.PathPrefix != "" {
		return path.Join(p.cfg.PathPrefix, datePrefix, filename)
	}
	return path.Join(datePrefix, filename)
}
