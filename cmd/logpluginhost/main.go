package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/streamspace-dev/logpluginhost/internal/config"
	"github.com/streamspace-dev/logpluginhost/internal/logging"
	"github.com/streamspace-dev/logpluginhost/internal/pluginhost"
	"github.com/streamspace-dev/logpluginhost/plugins/artifactcache"
	"github.com/streamspace-dev/logpluginhost/plugins/artifactuploader"
	"github.com/streamspace-dev/logpluginhost/plugins/failurenotifier"
)

var (
	shortCircuitThreshold int
	monitorFrequency      time.Duration
	logLevel              string
	logPretty             bool

	enableArtifactCache    bool
	enableArtifactUploader bool
	enableFailureNotifier  bool

	redisHost  string
	redisPort  string
	s3Bucket   string
	s3Region   string
	natsURL    string
)

var rootCmd = &cobra.Command{
	Use:   "logpluginhost",
	Short: "Fan job-runner log lines out to a set of log plugins",
	Long: `logpluginhost reads newline-delimited "<step-id>:<message>" lines from
stdin and dispatches each one to every enabled log plugin, isolating a slow
or faulty plugin from the rest of the run.

The host is started with an empty step table, so no step id resolves: each
line is reported per plugin as an "unknown step id" error and does not
reach the plugin's ProcessLine.

Example:
  echo "1:hello world" | logpluginhost run --artifact-cache --redis-host localhost`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the plugin host and read log lines from stdin",
	RunE:  runHost,
}

func init() {
	runCmd.Flags().IntVar(&shortCircuitThreshold, "short-circuit-threshold", 0, "queue depth beyond which a sample counts as overflow (default 1000)")
	runCmd.Flags().DurationVar(&monitorFrequency, "monitor-frequency", 0, "how often the pressure monitor samples queue depth (default 10s)")
	runCmd.Flags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	runCmd.Flags().BoolVar(&logPretty, "log-pretty", false, "use a human-readable console log writer")

	runCmd.Flags().BoolVar(&enableArtifactCache, "artifact-cache", false, "enable the Redis artifact cache plugin")
	runCmd.Flags().BoolVar(&enableArtifactUploader, "artifact-uploader", false, "enable the S3 artifact uploader plugin")
	runCmd.Flags().BoolVar(&enableFailureNotifier, "failure-notifier", false, "enable the NATS failure notifier plugin")

	runCmd.Flags().StringVar(&redisHost, "redis-host", "localhost", "Redis host for the artifact cache plugin")
	runCmd.Flags().StringVar(&redisPort, "redis-port", "6379", "Redis port for the artifact cache plugin")
	runCmd.Flags().StringVar(&s3Bucket, "s3-bucket", "", "S3 bucket for the artifact uploader plugin")
	runCmd.Flags().StringVar(&s3Region, "s3-region", "", "S3 region for the artifact uploader plugin")
	runCmd.Flags().StringVar(&natsURL, "nats-url", "", "NATS URL for the failure notifier plugin")

	rootCmd.AddCommand(runCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command execution failed")
		os.Exit(1)
	}
}

func runHost(cmd *cobra.Command, args []string) error {
	cfg := config.FromEnv()
	if shortCircuitThreshold > 0 {
		cfg.ShortCircuitThreshold = shortCircuitThreshold
	}
	if monitorFrequency > 0 {
		cfg.MonitorFrequency = monitorFrequency
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logPretty {
		cfg.LogPretty = true
	}

	logging.Init(cfg.LogLevel, cfg.LogPretty)
	hostLog := logging.Component("host")

	runID := pluginhost.NewRunID()

	plugins, err := buildPlugins(runID)
	if err != nil {
		return fmt.Errorf("failed to build plugins: %w", err)
	}

	metrics := pluginhost.NewMetrics(nil)
	trace := pluginhost.NewStdoutTrace(hostLog)

	hostCtx := pluginhost.HostContext{
		Service: &pluginhost.ServiceContext{},
		Steps:   map[string]pluginhost.Step{},
	}

	host := pluginhost.New(hostCtx, plugins, trace, pluginhost.Options{
		ShortCircuitThreshold: cfg.ShortCircuitThreshold,
		MonitorFrequency:      cfg.MonitorFrequency,
	}, metrics, hostLog, runID)

	hostLog.Info().Str("run_id", host.RunID()).Msg("starting plugin host")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- host.Run(ctx)
	}()

	go readStdin(host)

	select {
	case <-ctx.Done():
		hostLog.Info().Msg("received shutdown signal, finishing run")
		host.Finish()
	case err := <-runErrCh:
		return err
	}

	return <-runErrCh
}

// readStdin feeds each line into the host and calls Finish once stdin is
// exhausted.
func readStdin(host *pluginhost.Host) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		host.Enqueue(scanner.Text())
	}
	host.Finish()
}

func buildPlugins(runID string) ([]pluginhost.Plugin, error) {
	var plugins []pluginhost.Plugin

	if enableArtifactCache {
		cacheCfg := artifactcache.DefaultConfig()
		cacheCfg.Host = redisHost
		cacheCfg.Port = redisPort
		cacheCfg.KeyPrefix = "logpluginhost:" + runID
		plugins = append(plugins, artifactcache.New(cacheCfg))
	}

	if enableArtifactUploader {
		if s3Bucket == "" {
			return nil, fmt.Errorf("--s3-bucket is required when --artifact-uploader is set")
		}
		uploaderCfg := artifactuploader.DefaultConfig()
		uploaderCfg.BucketName = s3Bucket
		uploaderCfg.Region = s3Region
		plugins = append(plugins, artifactuploader.New(uploaderCfg, runID))
	}

	if enableFailureNotifier {
		notifierCfg := failurenotifier.DefaultConfig()
		if natsURL != "" {
			notifierCfg.URL = natsURL
		}
		plugins = append(plugins, failurenotifier.New(notifierCfg, runID))
	}

	return plugins, nil
}
