// Package logging wires a structured, size-rotated logger for the client
// and its gateway: zerolog for leveled structured output, lumberjack for
// file rotation, with an optional console writer for local use.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls where and how logs are written.
type Config struct {
	// Level is one of debug, info, warn, error. Defaults to info.
	Level string
	// Console, when true, writes human-readable output to stderr instead
	// of (or, if File is also set, in addition to) the rotating file
	// sink. Intended for local/dev use.
	Console bool
	// File is the log file path. Empty disables file logging.
	File string
	// MaxSizeMB is the size in megabytes a log file may reach before
	// lumberjack rotates it.
	MaxSizeMB int
	// MaxBackups is the number of rotated files lumberjack retains.
	MaxBackups int
	// MaxAgeDays is the number of days lumberjack retains rotated files.
	MaxAgeDays int
}

func (c Config) withDefaults() Config {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.MaxSizeMB == 0 {
		c.MaxSizeMB = 25
	}
	if c.MaxBackups == 0 {
		c.MaxBackups = 5
	}
	if c.MaxAgeDays == 0 {
		c.MaxAgeDays = 28
	}
	return c
}

// New builds a zerolog.Logger from cfg. A file sink (via lumberjack, for
// size/age-bounded rotation) and a console sink are both optional and may
// be combined; at least one is always active (console is the fallback
// when File is empty).
func New(cfg Config) zerolog.Logger {
	cfg = cfg.withDefaults()

	var writers []io.Writer
	if cfg.File != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		})
	}
	if cfg.Console || len(writers) == 0 {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	var w io.Writer
	if len(writers) == 1 {
		w = writers[0]
	} else {
		w = zerolog.MultiLevelWriter(writers...)
	}

	logger := zerolog.New(w).With().Timestamp().Logger()
	return logger.Level(parseLevel(cfg.Level))
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// ICAPAdapter adapts a zerolog.Logger to the icap.Logger interface the
// engine reports diagnostics through, so the structured sink is the one
// thing in the repo every component (engine, gateway, CLI) logs through.
type ICAPAdapter struct {
	L zerolog.Logger
}

func (a ICAPAdapter) Debugf(format string, args ...any) { a.L.Debug().Msgf(format, args...) }
func (a ICAPAdapter) Infof(format string, args ...any)  { a.L.Info().Msgf(format, args...) }
func (a ICAPAdapter) Warnf(format string, args ...any)  { a.L.Warn().Msgf(format, args...) }
