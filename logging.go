// Package-level configuration for structured logging.
//
// The reactor logs through a small leveled interface so external stacks
// (logiface, slog, zerolog via adapters) can be plugged in, with a
// low-overhead built-in implementation for basic usage. A package-level
// global is appropriate here: logging is an infrastructure cross-cutting
// concern and reactor instances share logging semantics.

package aioloop

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/joeycumines/logiface"
)

var globalLogger struct {
	sync.RWMutex
	logger Logger
}

// SetLogger sets the global structured logger. A nil logger restores the
// no-op default.
func SetLogger(logger Logger) {
	globalLogger.Lock()
	defer globalLogger.Unlock()
	globalLogger.logger = logger
}

func getLogger() Logger {
	globalLogger.RLock()
	defer globalLogger.RUnlock()
	if globalLogger.logger != nil {
		return globalLogger.logger
	}
	return noopLogger{}
}

// LogLevel represents the severity of a log message.
type LogLevel int32

const (
	// LevelDebug for detailed diagnostic information.
	LevelDebug LogLevel = iota
	// LevelInfo for general informational messages.
	LevelInfo
	// LevelWarn for warning conditions.
	LevelWarn
	// LevelError for error conditions.
	LevelError
)

// String returns the string representation of the log level.
func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Field is a structured key/value pair attached to a log message.
type Field struct {
	Key   string
	Value any
}

// Logger is the structured logging interface consumed by this package.
type Logger interface {
	// Enabled reports whether the level would be emitted, allowing
	// callers to skip field construction.
	Enabled(level LogLevel) bool

	// Log emits a message at the given level with optional fields.
	Log(level LogLevel, msg string, fields ...Field)
}

// noopLogger discards everything.
type noopLogger struct{}

func (noopLogger) Enabled(LogLevel) bool          { return false }
func (noopLogger) Log(LogLevel, string, ...Field) {}

// NewNoOpLogger returns a logger that discards all messages.
func NewNoOpLogger() Logger {
	return noopLogger{}
}

// defaultLogger is the built-in line-oriented implementation.
type defaultLogger struct {
	mu  sync.Mutex
	w   io.Writer
	min LogLevel
}

// NewDefaultLogger returns a basic logger writing human-readable lines to
// w (os.Stderr if nil), filtered to levels at or above min.
func NewDefaultLogger(w io.Writer, min LogLevel) Logger {
	if w == nil {
		w = os.Stderr
	}
	return &defaultLogger{w: w, min: min}
}

func (l *defaultLogger) Enabled(level LogLevel) bool {
	return level >= l.min
}

func (l *defaultLogger) Log(level LogLevel, msg string, fields ...Field) {
	if !l.Enabled(level) {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, "%s %s aioloop: %s", time.Now().Format(time.RFC3339Nano), level, msg)
	for _, f := range fields {
		fmt.Fprintf(l.w, " %s=%v", f.Key, f.Value)
	}
	fmt.Fprintln(l.w)
}

// logifaceLogger adapts a logiface logger to the package [Logger]
// interface.
type logifaceLogger[E logiface.Event] struct {
	l *logiface.Logger[E]
}

// NewLogifaceLogger wraps a logiface logger (any event implementation,
// e.g. stumpy or the zerolog adapter) as a package [Logger].
func NewLogifaceLogger[E logiface.Event](l *logiface.Logger[E]) Logger {
	return &logifaceLogger[E]{l: l}
}

func (a *logifaceLogger[E]) builder(level LogLevel) *logiface.Builder[E] {
	switch level {
	case LevelDebug:
		return a.l.Debug()
	case LevelInfo:
		return a.l.Info()
	case LevelWarn:
		return a.l.Warning()
	default:
		return a.l.Err()
	}
}

func (a *logifaceLogger[E]) Enabled(level LogLevel) bool {
	// A disabled level yields a nil builder; checking it keeps Enabled
	// consistent with what Log would actually emit.
	return a.builder(level) != nil
}

func (a *logifaceLogger[E]) Log(level LogLevel, msg string, fields ...Field) {
	b := a.builder(level)
	for _, f := range fields {
		b = b.Interface(f.Key, f.Value)
	}
	b.Log(msg)
}

// Package-level logging helpers.

func logDebug(msg string, fields ...Field) { getLogger().Log(LevelDebug, msg, fields...) }
func logInfo(msg string, fields ...Field)  { getLogger().Log(LevelInfo, msg, fields...) }
func logError(msg string, fields ...Field) { getLogger().Log(LevelError, msg, fields...) }
