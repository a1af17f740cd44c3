// Package logging builds the zerolog logger used by the CLI from BEACON_LOG_*
// environment variables.
package logging

import (
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	EnvLogLevel   = "BEACON_LOG_LEVEL"
	EnvLogFormat  = "BEACON_LOG_FORMAT"
	EnvLogNoColor = "BEACON_LOG_NOCOLOR"
)

// Config controls the logger output.
type Config struct {
	Level   zerolog.Level
	JSON    bool
	NoColor bool
}

// DefaultConfig logs at info level to a coloured console.
func DefaultConfig() Config {
	return Config{Level: zerolog.InfoLevel}
}

// FromEnv returns DefaultConfig with BEACON_LOG_* overrides applied.
// Unparseable values are ignored.
func FromEnv(getenv func(string) string) Config {
	cfg := DefaultConfig()
	if lvl, ok := parseLevel(getenv(EnvLogLevel)); ok {
		cfg.Level = lvl
	}
	if strings.EqualFold(strings.TrimSpace(getenv(EnvLogFormat)), "json") {
		cfg.JSON = true
	}
	if v, ok := parseBool(getenv(EnvLogNoColor)); ok {
		cfg.NoColor = v
	}
	return cfg
}

// New builds a logger writing to out.
func New(out io.Writer, app string, cfg Config) zerolog.Logger {
	if !cfg.JSON {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
			NoColor:    cfg.NoColor,
		}
	}
	return zerolog.New(out).Level(cfg.Level).With().Timestamp().Str("app", app).Logger()
}

func parseLevel(raw string) (zerolog.Level, bool) {
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
	case "disabled", "off", "none":
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
