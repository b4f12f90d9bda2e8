package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Fields carries structured key/value context for one log event.
type Fields map[string]interface{}

// Logger is the process-wide structured logger. It is a thin wrapper over
// zerolog so call sites stay stable if the backend changes, and so
// sub-loggers can be derived with bound fields (session id, stream id).
type Logger struct {
	zl zerolog.Logger
}

// New creates a Logger writing JSON lines to w at the given minimum level.
// Recognized levels are DEBUG, INFO, WARNING and ERROR, case-insensitive.
func New(w io.Writer, level string) (*Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}
	zl := zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	return &Logger{zl: zl}, nil
}

// NewStderr creates a Logger writing to standard error.
func NewStderr(level string) (*Logger, error) {
	return New(os.Stderr, level)
}

// Nop returns a Logger that discards everything. Useful as a default for
// tests and for components constructed without an explicit logger.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

func parseLevel(level string) (zerolog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "", "INFO":
		return zerolog.InfoLevel, nil
	case "DEBUG":
		return zerolog.DebugLevel, nil
	case "WARNING", "WARN":
		return zerolog.WarnLevel, nil
	case "ERROR":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.NoLevel, fmt.Errorf("unknown log level %q", level)
	}
}

// With returns a sub-logger with fields bound to every event it emits.
func (l *Logger) With(fields Fields) *Logger {
	ctx := l.zl.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &Logger{zl: ctx.Logger()}
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string, fields Fields) { l.emit(l.zl.Debug(), msg, fields) }

// Info logs at info level.
func (l *Logger) Info(msg string, fields Fields) { l.emit(l.zl.Info(), msg, fields) }

// Warn logs at warning level.
func (l *Logger) Warn(msg string, fields Fields) { l.emit(l.zl.Warn(), msg, fields) }

// Error logs at error level.
func (l *Logger) Error(msg string, fields Fields) { l.emit(l.zl.Error(), msg, fields) }

// Access emits one access-log line for a completed stream.
func (l *Logger) Access(method, path, status string, bytes int64, elapsed time.Duration, fields Fields) {
	ev := l.zl.Info().
		Str("method", method).
		Str("path", path).
		Str("status", status).
		Int64("bytes", bytes).
		Dur("elapsed", elapsed)
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg("access")
}

func (l *Logger) emit(ev *zerolog.Event, msg string, fields Fields) {
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}
