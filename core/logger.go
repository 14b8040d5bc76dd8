package core

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level is a log severity. Higher values are more severe.
type Level int

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "TRACE"
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a case-insensitive level name to a Level. Unknown names
// fall back to LevelInfo.
func ParseLevel(name string) Level {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "TRACE":
		return LevelTrace
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	case "FATAL":
		return LevelFatal
	default:
		return LevelInfo
	}
}

// HandlerFunc receives every log line that passes the level filter.
type HandlerFunc func(level Level, msg string, attrs map[string]interface{})

var (
	loggerMu       sync.RWMutex
	loggerInstance = NewConsoleLogger(LevelInfo)
)

// SetLogger replaces the process-wide logger.
func SetLogger(logger *Logger) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	loggerInstance = logger
}

// GetLogger returns the process-wide logger.
func GetLogger() *Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return loggerInstance
}

// Logger is a small structured logger. Attributes attached with With are
// inherited by every child logger.
type Logger struct {
	handler  HandlerFunc
	minLevel Level
	attrs    map[string]interface{}
}

func NewLogger(minLevel Level, handler HandlerFunc) *Logger {
	return &Logger{
		handler:  handler,
		minLevel: minLevel,
		attrs:    make(map[string]interface{}),
	}
}

// NewConsoleLogger writes human readable lines to stdout, and to stderr for
// ERROR and above.
func NewConsoleLogger(minLevel Level) *Logger {
	return NewLogger(minLevel, func(level Level, msg string, attrs map[string]interface{}) {
		line := formatConsoleLine(time.Now(), level, msg, attrs)
		if level >= LevelError {
			fmt.Fprint(os.Stderr, line)
			return
		}
		fmt.Fprint(os.Stdout, line)
	})
}

// NewNopLogger discards everything. Used by tests.
func NewNopLogger() *Logger {
	return NewLogger(LevelFatal+1, nil)
}

func formatConsoleLine(ts time.Time, level Level, msg string, attrs map[string]interface{}) string {
	var b strings.Builder
	b.WriteString(ts.Format(time.RFC3339))
	b.WriteString(" [")
	b.WriteString(level.String())
	b.WriteString("] ")
	b.WriteString(msg)
	if len(attrs) > 0 {
		keys := make([]string, 0, len(attrs))
		for k := range attrs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" |")
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, attrs[k])
		}
	}
	b.WriteString("\n")
	return b.String()
}

// Enabled reports whether lines at level would be emitted.
func (l *Logger) Enabled(level Level) bool {
	return l != nil && l.handler != nil && level >= l.minLevel
}

func (l *Logger) log(level Level, msg string, args ...interface{}) {
	if !l.Enabled(level) {
		return
	}
	attrs := l.attrs
	if len(args) > 0 {
		if isKeyValuePairs(args) {
			attrs = make(map[string]interface{}, len(l.attrs)+len(args)/2)
			for k, v := range l.attrs {
				attrs[k] = v
			}
			for i := 0; i < len(args)-1; i += 2 {
				key, _ := args[i].(string)
				attrs[key] = args[i+1]
			}
		} else {
			msg = fmt.Sprintf(msg, args...)
		}
	}
	l.handler(level, msg, attrs)
}

// isKeyValuePairs reports whether args look like slog-style pairs: an even
// count with a string at every even index.
func isKeyValuePairs(args []interface{}) bool {
	if len(args)%2 != 0 {
		return false
	}
	for i := 0; i < len(args); i += 2 {
		if _, ok := args[i].(string); !ok {
			return false
		}
	}
	return true
}

func (l *Logger) Trace(msg string, args ...interface{}) { l.log(LevelTrace, msg, args...) }
func (l *Logger) Debug(msg string, args ...interface{}) { l.log(LevelDebug, msg, args...) }
func (l *Logger) Info(msg string, args ...interface{})  { l.log(LevelInfo, msg, args...) }
func (l *Logger) Warn(msg string, args ...interface{})  { l.log(LevelWarn, msg, args...) }
func (l *Logger) Error(msg string, args ...interface{}) { l.log(LevelError, msg, args...) }

func (l *Logger) Debugf(format string, args ...interface{}) { l.log(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.log(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.log(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.log(LevelError, format, args...) }

// Fatal logs and exits the process with status 1.
func (l *Logger) Fatal(msg string, args ...interface{}) {
	l.log(LevelFatal, msg, args...)
	os.Exit(1)
}

// With returns a child logger carrying attrs in addition to the parent's.
func (l *Logger) With(attrs map[string]interface{}) *Logger {
	combined := make(map[string]interface{}, len(l.attrs)+len(attrs))
	for k, v := range l.attrs {
		combined[k] = v
	}
	for k, v := range attrs {
		combined[k] = v
	}
	return &Logger{
		handler:  l.handler,
		minLevel: l.minLevel,
		attrs:    combined,
	}
}

// WithError is shorthand for With(map[string]interface{}{"error": err}).
func (l *Logger) WithError(err error) *Logger {
	return l.With(map[string]interface{}{"error": err})
}
