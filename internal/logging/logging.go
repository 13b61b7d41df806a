// Package logging wraps zerolog with component-scoped constructors: a
// single global logger initialized once at startup, with narrow helpers per
// concern rather than ad-hoc log.Printf calls scattered through the tree.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log is the process-wide base logger. Component loggers derive from it.
var Log zerolog.Logger

// Init configures the global logger. level is a zerolog level string
// ("debug", "info", "warn", "error"); pretty selects a human-readable
// console writer over the default JSON encoding.
func Init(level string, pretty bool) {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)

	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	Log = log.With().Str("service", "logpluginhost").Logger()
}

// Component returns a logger tagged with the given component name.
func Component(name string) zerolog.Logger {
	return Log.With().Str("component", name).Logger()
}
