// Package logging provides the structured logging interface shared by
// every ngxcore subsystem. The interface shape (Logger/LogLevel/LogEntry)
// mirrors the worker-runtime logging contract the rest of this codebase
// was modeled on; the concrete backend is zerolog rather than a built-in
// stdout writer, so operators get real structured output from day one.
package logging

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel is the severity of a log entry.
type LogLevel int32

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l LogLevel) zerolog() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// LogEntry is a single structured log record. Category identifies the
// subsystem ("timer", "accept", "resolver", "slab", "loop", "filecache",
// "threadpool") so operators can filter by component.
type LogEntry struct {
	Level     LogLevel
	Category  string
	WorkerID  int64
	ConnID    int64
	TimerID   int64
	Context   map[string]any
	Message   string
	Err       error
	Timestamp time.Time
}

// Logger is the structured logging interface every subsystem is handed
// at construction time, instead of reaching for a package-level global.
type Logger interface {
	Log(entry LogEntry)
	IsEnabled(level LogLevel) bool
	// WithCategory returns a derived logger that always fills in
	// Category for entries that don't set one.
	WithCategory(category string) Logger
}

// zerologLogger adapts the Logger interface onto a zerolog.Logger.
type zerologLogger struct {
	mu       *sync.RWMutex
	level    *zerolog.Level
	zl       zerolog.Logger
	category string
}

// New builds a Logger writing to w (os.Stderr by default) at the given
// minimum level. Pretty console output is used when w is a terminal,
// matching the teacher's terminal-vs-JSON split in its own DefaultLogger.
func New(w io.Writer, level LogLevel) Logger {
	if w == nil {
		w = os.Stderr
	}
	if f, ok := w.(*os.File); ok && isTerminal(f) {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000"}
	}
	lvl := level.zerolog()
	zl := zerolog.New(w).With().Timestamp().Logger().Level(lvl)
	return &zerologLogger{mu: &sync.RWMutex{}, level: &lvl, zl: zl}
}

func (l *zerologLogger) IsEnabled(level LogLevel) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return level.zerolog() >= *l.level
}

func (l *zerologLogger) WithCategory(category string) Logger {
	return &zerologLogger{mu: l.mu, level: l.level, zl: l.zl, category: category}
}

func (l *zerologLogger) Log(entry LogEntry) {
	if !l.IsEnabled(entry.Level) {
		return
	}
	if entry.Category == "" {
		entry.Category = l.category
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	var ev *zerolog.Event
	switch entry.Level {
	case LevelDebug:
		ev = l.zl.Debug()
	case LevelWarn:
		ev = l.zl.Warn()
	case LevelError:
		ev = l.zl.Error()
	default:
		ev = l.zl.Info()
	}

	ev = ev.Str("category", entry.Category)
	if entry.WorkerID != 0 {
		ev = ev.Int64("worker_id", entry.WorkerID)
	}
	if entry.ConnID != 0 {
		ev = ev.Int64("conn_id", entry.ConnID)
	}
	if entry.TimerID != 0 {
		ev = ev.Int64("timer_id", entry.TimerID)
	}
	for k, v := range entry.Context {
		ev = ev.Interface(k, v)
	}
	if entry.Err != nil {
		ev = ev.Err(entry.Err)
	}
	ev.Msg(entry.Message)
}

// NoOp returns a Logger that discards every entry, used as the default
// before a real Logger is wired in, mirroring the teacher's NewNoOpLogger.
func NoOp() Logger { return noOpLogger{} }

type noOpLogger struct{}

func (noOpLogger) Log(LogEntry) {}

func (noOpLogger) IsEnabled(LogLevel) bool { return false }

func (n noOpLogger) WithCategory(string) Logger { return n }

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
