// Package log provides the process-wide structured logger.
package log

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide logger, configured by Init.
var Logger zerolog.Logger

// Level is a logging verbosity level.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls how Init configures the process-wide logger.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init configures the process-wide logger from cfg.
func Init(cfg Config) {
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

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(out).Level(level).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}).Level(level).With().Timestamp().Logger()
	}
}

// WithComponent returns a child logger tagged with a component name.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithCorrelationID returns a child logger that stamps every record with
// the given correlation id, so background pipeline work can be grepped
// by the id returned to the webhook caller.
func WithCorrelationID(id string) zerolog.Logger {
	return Logger.With().Str("correlation_id", id).Logger()
}

// NewCorrelationID returns a fresh opaque correlation id: base32 of 20
// random bytes, lower-cased, matching the wire format the upstream
// service has always used for its log grep handles.
func NewCorrelationID() string {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is unrecoverable; fall back to a fixed
		// marker rather than panicking a background task.
		return "urandom-unavailable"
	}
	enc := base32.StdEncoding.WithPadding(base32.NoPadding)
	return strings.ToLower(enc.EncodeToString(buf))
}

// TracebackID returns a short correlation tag for an internal error,
// derived from an MD5 digest of its formatted description. It is not a
// security control, only a grep handle linking a client-visible error
// envelope to the corresponding server log line.
func TracebackID(formatted string) string {
	sum := md5.Sum([]byte(formatted))
	return fmt.Sprintf("%x", sum)
}

func Info(msg string)            { Logger.Info().Msg(msg) }
func Debug(msg string)            { Logger.Debug().Msg(msg) }
func Warn(msg string)            { Logger.Warn().Msg(msg) }
func Error(err error, msg string) { Logger.Error().Err(err).Msg(msg) }
func Errorf(format string, args ...interface{}) {
	Logger.Error().Msg(fmt.Sprintf(format, args...))
}
func Fatal(err error, msg string) { Logger.Fatal().Err(err).Msg(msg) }
