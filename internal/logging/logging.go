// Package logging builds the zerolog.Logger used throughout the broker
// and client runtime. A logger is constructed once at the entry point
// and threaded through explicitly — nothing in this package touches the
// zerolog global logger, so two brokers can run in the same process
// (as they do in tests) without fighting over log configuration.
package logging

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Level mirrors the CLI's --loglevel numbering from spec §6: 0 Trace,
// 1 Debug, 2 Info, 3 Warning, 5 Error. Level 4 has no named meaning in
// the CLI surface; it is treated the same as Error.
type Level int

const (
	LevelTrace Level = 0
	LevelDebug Level = 1
	LevelInfo  Level = 2
	LevelWarn  Level = 3
	LevelError Level = 5
)

func (l Level) zerolog() zerolog.Level {
	switch l {
	case LevelTrace:
		return zerolog.TraceLevel
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelWarn:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}

// Config controls logger construction.
type Config struct {
	Level     Level
	ToFile    bool
	FilePath  string // default "broker.log" when ToFile is set and empty
	MaxSizeMB int64  // rotate once the active file exceeds this size; default 64MB
	Service   string // attached as a constant field, e.g. "broker" or "client"
}

// New builds a configured zerolog.Logger. Callers own the returned
// logger and pass it down explicitly to every component that logs.
func New(cfg Config) zerolog.Logger {
	var out io.Writer = os.Stdout
	if cfg.ToFile {
		path := cfg.FilePath
		if path == "" {
			path = "broker.log"
		}
		maxSize := cfg.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 64
		}
		out = newRollingWriter(path, maxSize*1024*1024)
	}

	service := cfg.Service
	if service == "" {
		service = "broker"
	}

	logger := zerolog.New(out).
		Level(cfg.Level.zerolog()).
		With().
		Timestamp().
		Str("service", service).
		Logger()

	return logger
}

// rollingWriter is a minimal size-triggered log rotator: once the
// current file exceeds maxSize it is renamed with a timestamp suffix and
// a fresh file is opened. No third-party rotation library appears
// anywhere in the example pack (see DESIGN.md), so this is hand-rolled
// rather than borrowed.
type rollingWriter struct {
	mu      sync.Mutex
	path    string
	maxSize int64
	file    *os.File
	size    int64
}

func newRollingWriter(path string, maxSize int64) *rollingWriter {
	w := &rollingWriter{path: path, maxSize: maxSize}
	w.open()
	return w
}

func (w *rollingWriter) open() {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		// Fall back to stdout rather than crash the process over a log
		// rotation failure; the broker's job is routing messages, not
		// writing logs.
		w.file = os.Stdout
		w.size = 0
		return
	}
	info, err := f.Stat()
	if err == nil {
		w.size = info.Size()
	}
	w.file = f
}

func (w *rollingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size+int64(len(p)) > w.maxSize && w.file != os.Stdout {
		w.rotate()
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *rollingWriter) rotate() {
	if w.file != nil && w.file != os.Stdout {
		w.file.Close()
	}
	rotated := w.path + "." + time.Now().UTC().Format("20060102T150405")
	os.Rename(w.path, rotated)
	w.open()
}
