// Package logging configures the process-wide zerolog logger and hands out
// component-scoped children, following the pattern every teacher package
// under internal/orders uses: New(...).With().Str("component", X).Logger().
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Config controls the base logger's level and output shape.
type Config struct {
	Level      string // "debug", "info", "warn", "error"
	Pretty     bool   // human-readable console writer instead of JSON
	OutputPath string // "" or "stdout" means os.Stdout
}

// New builds the process-wide base logger per Config.
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var out io.Writer = os.Stdout
	if cfg.OutputPath != "" && cfg.OutputPath != "stdout" {
		if f, err := os.OpenFile(cfg.OutputPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644); err == nil {
			out = f
		}
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// Component returns a child logger tagged for a single subsystem, the
// convention every component in this module follows.
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}
