// Package config loads construction-time tunables for the plugin host from
// environment variables, falling back to documented defaults when a
// variable is unset or unparsable.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the host's construction-time configuration.
type Config struct {
	// ShortCircuitThreshold is the queue depth beyond which a sample counts
	// as overflow. Default 1000 lines.
	ShortCircuitThreshold int

	// MonitorFrequency is how often the PressureMonitor samples queue depth.
	// Default 10s.
	MonitorFrequency time.Duration

	// LogLevel is the zerolog level string for the diagnostic trace.
	LogLevel string

	// LogPretty selects a human-readable console writer over JSON.
	LogPretty bool
}

// Default returns the host's documented defaults.
func Default() Config {
	return Config{
		ShortCircuitThreshold: 1000,
		MonitorFrequency:      10 * time.Second,
		LogLevel:              "info",
		LogPretty:             false,
	}
}

// FromEnv overlays environment variables onto the defaults.
func FromEnv() Config {
	cfg := Default()

	cfg.ShortCircuitThreshold = getEnvInt("LOGPLUGIN_SHORT_CIRCUIT_THRESHOLD", cfg.ShortCircuitThreshold)
	cfg.MonitorFrequency = getEnvDuration("LOGPLUGIN_MONITOR_FREQUENCY", cfg.MonitorFrequency)
	cfg.LogLevel = getEnv("LOGPLUGIN_LOG_LEVEL", cfg.LogLevel)
	cfg.LogPretty = getEnv("LOGPLUGIN_LOG_PRETTY", "false") == "true"

	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
