// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// ParseLevel validates a level name such as "debug" or "WARN".
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return "", fmt.Errorf("unknown log level %q", s)
	}
}

// Setup configures the global zerolog logger.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(cfg.Level.zerologLevel())

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// zerologLevel maps the level to zerolog. Unknown levels log at info.
func (l LogLevel) zerologLevel() zerolog.Level {
	parsed, _ := ParseLevel(string(l))
	switch parsed {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Cache operations (hit/miss, key)
//   - Request flow (endpoint, method)
//   - Gate waits and feedback adjustments
//
// Info: Normal operation events
//   - Paginated fetch progress
//   - Server startup/shutdown
//
// Warn: Warning conditions that don't prevent operation
//   - HTTP error responses (returned to the caller, not raised)
//   - Error budget throttling
//   - Cache errors (fallback to a direct request)
//   - Requests degraded to their default value
//
// Error: Error conditions requiring attention
//   - Connection failures and unexpected errors while handling responses
//   - Critical error budget pauses
//   - Missing required params
//   - Configuration errors
//
// Context Fields:
//   - component: Emitting package (api-client, ratelimit, cache, requestor, proxy)
//   - endpoint: Request path
//   - status: HTTP status code
//   - error_class: Error classification (client, server, rate_limit, network, unexpected)
//   - wait: Time spent waiting for the gate
//   - tokens: Gate balance
//   - key: Cache key
//   - errors_remaining: Error budget reported by the API
//   - request_id: Inbound proxy request ID
