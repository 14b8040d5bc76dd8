package core

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bytedance/sonic"
)

// RunMetadata is the first JSON line of every run log file.
type RunMetadata struct {
	RunID     string `json:"run_id"`
	StartedAt string `json:"started_at"`
	Hostname  string `json:"hostname,omitempty"`
}

// LogEntry is a single JSON log line written after the metadata line.
type LogEntry struct {
	Timestamp string                 `json:"ts"`
	Level     string                 `json:"level"`
	Message   string                 `json:"msg"`
	Attrs     map[string]interface{} `json:"attrs,omitempty"`
}

// LogWriter is a destination for structured log entries.
type LogWriter interface {
	Write(level Level, msg string, attrs map[string]interface{})
	Close() error
}

// FileLogWriter appends structured log lines to <dir>/<runID>.jsonl.
type FileLogWriter struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// NewFileLogWriter creates dir if needed, opens the run log file and writes
// the metadata line.
func NewFileLogWriter(dir, runID string) (*FileLogWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("file log writer: mkdir %q: %w", dir, err)
	}

	path := filepath.Join(dir, runID+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("file log writer: open %q: %w", path, err)
	}

	hostname, _ := os.Hostname()
	meta, err := sonic.Marshal(RunMetadata{
		RunID:     runID,
		StartedAt: time.Now().UTC().Format(time.RFC3339),
		Hostname:  hostname,
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("file log writer: encode metadata: %w", err)
	}
	if _, err := f.Write(append(meta, '\n')); err != nil {
		f.Close()
		return nil, fmt.Errorf("file log writer: write metadata: %w", err)
	}

	return &FileLogWriter{file: f, path: path}, nil
}

// Path returns the location of the log file.
func (w *FileLogWriter) Path() string {
	return w.path
}

// Write appends one log line. Encoding failures drop the line.
func (w *FileLogWriter) Write(level Level, msg string, attrs map[string]interface{}) {
	entry := LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level.String(),
		Message:   msg,
		Attrs:     stringifyErrors(attrs),
	}
	data, err := sonic.Marshal(entry)
	if err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		w.file.Write(append(data, '\n'))
	}
}

// Close flushes and closes the file. Further writes are dropped.
func (w *FileLogWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// errors marshal to {} otherwise
func stringifyErrors(attrs map[string]interface{}) map[string]interface{} {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(attrs))
	for k, v := range attrs {
		if err, ok := v.(error); ok && err != nil {
			out[k] = err.Error()
			continue
		}
		out[k] = v
	}
	return out
}

// NewTeeLogger returns a Logger that sends every line to both base and
// writer. Child loggers created via With inherit the behaviour.
func NewTeeLogger(base *Logger, writer LogWriter) *Logger {
	return NewLogger(base.minLevel, func(level Level, msg string, attrs map[string]interface{}) {
		if base.handler != nil {
			base.handler(level, msg, attrs)
		}
		writer.Write(level, msg, attrs)
	})
}
