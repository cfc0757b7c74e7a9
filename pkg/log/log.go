package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the root logger every package derives its child loggers from
var Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

// Level is a configured log level
type Level string

const (
	TraceLevel Level = "trace"
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Valid reports whether l is one of the levels above
func (l Level) Valid() bool {
	switch l {
	case TraceLevel, DebugLevel, InfoLevel, WarnLevel, ErrorLevel:
		return true
	}
	return false
}

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	// Output defaults to stdout
	Output io.Writer
}

// Init replaces Logger. It is not safe to call while other goroutines log.
func Init(cfg Config) {
	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if !cfg.JSONOutput {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(out).With().Timestamp().Logger()
}

// ParseLevel maps a configured level to a zerolog level, info when invalid
func ParseLevel(level Level) zerolog.Level {
	if !level.Valid() {
		return zerolog.InfoLevel
	}
	lvl, err := zerolog.ParseLevel(string(level))
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithShipment creates a child logger scoped to one logical shipment
func WithShipment(resource, snapshot, remote string) zerolog.Logger {
	return Logger.With().
		Str("component", "shipping").
		Str("resource", resource).
		Str("snapshot", snapshot).
		Str("remote", remote).
		Logger()
}

// WithSchedule creates a child logger scoped to one scheduled backup definition
func WithSchedule(schedule, remote, resource string) zerolog.Logger {
	return Logger.With().
		Str("component", "backup-schedule").
		Str("schedule", schedule).
		Str("remote", remote).
		Str("resource", resource).
		Logger()
}

func Info(msg string) {
	Logger.Info().Msg(msg)
}

func Warn(msg string) {
	Logger.Warn().Msg(msg)
}
