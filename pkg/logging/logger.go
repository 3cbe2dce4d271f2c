// Package logging configures the zerolog logger shared by the agent, the
// cache stores and the host binary.
package logging

import (
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// Field names every agent log line uses for the same facts.
const (
	FieldComponent  = "component"
	FieldGeneration = "generation"
	FieldMethod     = "method"
	FieldURL        = "url"
	FieldClass      = "class"
	FieldSource     = "source"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum level written; unknown values mean info.
	Level LogLevel

	// Pretty switches from JSON lines to the console writer.
	Pretty bool

	// Output receives the log lines (default: os.Stderr).
	Output io.Writer
}

// DefaultConfig returns JSON logging at info level to stderr.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Output: os.Stderr,
	}
}

// Setup installs the global logger and returns it. Component loggers made
// with NewLogger afterwards inherit its output and level.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	var out io.Writer = os.Stderr
	if cfg.Output != nil {
		out = cfg.Output
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	}

	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	return log.Logger
}

func parseLevel(level LogLevel) zerolog.Level {
	switch LogLevel(strings.ToLower(string(level))) {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn, "warning":
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger returns a child of the global logger tagged with component.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str(FieldComponent, component).Logger()
}

// ForGeneration returns a component logger bound to one cache generation.
func ForGeneration(component, generation string) zerolog.Logger {
	return log.With().
		Str(FieldComponent, component).
		Str(FieldGeneration, generation).
		Logger()
}

// WithRequest adds the intercepted request to logger. class is omitted when
// empty.
func WithRequest(logger zerolog.Logger, req *http.Request, class string) zerolog.Logger {
	ctx := logger.With().
		Str(FieldMethod, req.Method).
		Str(FieldURL, req.URL.String())
	if class != "" {
		ctx = ctx.Str(FieldClass, class)
	}
	return ctx.Logger()
}

// Levels:
//
//	Debug  cache hits and misses, non-cacheable responses, worker progress
//	Info   install, activate and retire; stale generations deleted; startup
//	Warn   network failures answered from cache or the offline page,
//	       cleanup failures, retries, failed background writes
//	Error  store failures on the request path, failed installs
//
// Besides the Field* names above, lines may carry error_class (client,
// server, network), stale_generation and tag.
