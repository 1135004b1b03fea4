package config

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogConfig configures logging behavior.
type LogConfig struct {
	Level string `yaml:"level"`
	// Format is "json" or "console".
	Format string `yaml:"format"`
	Debug  bool   `yaml:"debug"`
}

// DefaultLog returns info-level JSON logging.
func DefaultLog() LogConfig {
	return LogConfig{Level: "info", Format: "json"}
}

// ZerologLevel maps Level (and Debug) to a zerolog level. Unknown names mean info.
func (c LogConfig) ZerologLevel() zerolog.Level {
	if c.Debug {
		return zerolog.DebugLevel
	}
	switch strings.ToLower(c.Level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "panic":
		return zerolog.PanicLevel
	default:
		return zerolog.InfoLevel
	}
}

// ConfigureZerolog sets the global level and installs the global logger writing to stderr.
func (c LogConfig) ConfigureZerolog(service string) {
	c.configure(os.Stderr, service)
}

func (c LogConfig) configure(w io.Writer, service string) {
	zerolog.SetGlobalLevel(c.ZerologLevel())
	zerolog.TimeFieldFormat = time.RFC3339
	if strings.EqualFold(c.Format, "console") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.DateTime}
	}
	log.Logger = zerolog.New(w).With().Timestamp().Str("service", service).Logger()
}
