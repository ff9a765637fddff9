// Package logging configures the process-wide structured logger shared by
// every kvsd component.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Level names a logging verbosity, matching zerolog's level strings.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls Init.
type Config struct {
	Level  Level
	Pretty bool
	Output io.Writer
}

// Init builds the process-wide logger. Call once from main before any
// component starts logging.
func Init(cfg Config) zerolog.Logger {
	var level zerolog.Level

	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: "15:04:05"}
	}

	return zerolog.New(output).With().Timestamp().Logger()
}

// Component returns a child logger tagged with the given component name,
// e.g. "script", "session", "backup".
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}
