// Package logging builds the zerolog loggers used across the client.
package logging

import (
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	EnvLogLevel   = "PAVLOVIA_LOG_LEVEL"
	EnvLogNoColor = "PAVLOVIA_LOG_NOCOLOR"
	EnvLogJSON    = "PAVLOVIA_LOG_JSON"
)

type Profile int

const (
	ProfileRuntime Profile = iota
	ProfileTest
)

type options struct {
	level     zerolog.Level
	timestamp bool
	noColor   bool
	json      bool
}

// New returns a logger writing to w (stderr when nil) tagged with app=pavlovia.
func New(profile Profile, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := defaultOptions(profile)
	applyEnvOverrides(&opts)

	out := w
	if !opts.json {
		out = zerolog.ConsoleWriter{
			Out:        w,
			NoColor:    opts.noColor,
			TimeFormat: time.RFC3339,
		}
	}

	ctx := zerolog.New(out).Level(opts.level).With().Str("app", "pavlovia")
	if opts.timestamp {
		ctx = ctx.Timestamp()
	}
	return ctx.Logger()
}

// Or returns *l, or a disabled logger when l is nil.
func Or(l *zerolog.Logger) zerolog.Logger {
	if l == nil {
		return zerolog.Nop()
	}
	return *l
}

func defaultOptions(profile Profile) options {
	switch profile {
	case ProfileTest:
		return options{level: zerolog.DebugLevel, noColor: true}
	default:
		return options{level: zerolog.InfoLevel, timestamp: true}
	}
}

func applyEnvOverrides(opts *options) {
	if lvl, ok := ParseLevel(os.Getenv(EnvLogLevel)); ok {
		opts.level = lvl
	}
	if v, ok := parseBool(os.Getenv(EnvLogNoColor)); ok {
		opts.noColor = v
	}
	if v, ok := parseBool(os.Getenv(EnvLogJSON)); ok {
		opts.json = v
	}
}

// ParseLevel maps a user-facing level name to a zerolog level.
func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "disable", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
