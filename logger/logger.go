// Package logger provides the structured leveled logging interface used
// throughout the engine. Callers depend on the small Logger interface,
// never the concrete zerolog backend, matching the dependency-injection
// style the rest of this codebase uses for its other collaborators.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the logging surface every engine package depends on.
// context is a sequence of alternating key, value pairs, same calling
// convention as the rest of this codebase's collaborators.
type Logger interface {
	Error(msg string, context ...interface{})
	Warn(msg string, context ...interface{})
	Info(msg string, context ...interface{})
	Debug(msg string, context ...interface{})
}

// zlogger adapts zerolog.Logger to the Logger interface.
type zlogger struct {
	z zerolog.Logger
}

// New builds a Logger writing leveled, timestamped entries to w. Pass
// os.Stderr for console output, or an *os.File opened for the daemon's
// log file.
func New(w io.Writer, level zerolog.Level) Logger {
	if w == nil {
		w = os.Stderr
	}
	z := zerolog.New(w).Level(level).With().Timestamp().Logger()
	return &zlogger{z: z}
}

// NewConsole is New(os.Stderr, zerolog.InfoLevel) with human-readable
// (non-JSON) console formatting, useful for interactive runs.
func NewConsole() Logger {
	cw := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return &zlogger{z: zerolog.New(cw).Level(zerolog.InfoLevel).With().Timestamp().Logger()}
}

func (l *zlogger) Error(msg string, context ...interface{}) { l.emit(l.z.Error(), msg, context) }
func (l *zlogger) Warn(msg string, context ...interface{})  { l.emit(l.z.Warn(), msg, context) }
func (l *zlogger) Info(msg string, context ...interface{})  { l.emit(l.z.Info(), msg, context) }
func (l *zlogger) Debug(msg string, context ...interface{}) { l.emit(l.z.Debug(), msg, context) }

func (l *zlogger) emit(ev *zerolog.Event, msg string, context []interface{}) {
	for i := 0; i+1 < len(context); i += 2 {
		key, ok := context[i].(string)
		if !ok {
			continue
		}
		ev = ev.Interface(key, context[i+1])
	}
	ev.Msg(msg)
}

// Null discards everything; useful as a test default.
func Null() Logger { return nullLogger{} }

type nullLogger struct{}

func (nullLogger) Error(string, ...interface{}) {}
func (nullLogger) Warn(string, ...interface{})  {}
func (nullLogger) Info(string, ...interface{})  {}
func (nullLogger) Debug(string, ...interface{}) {}
