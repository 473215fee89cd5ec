package logging

import (
	"io"
	"os"
	"sync"
)

var (
	globalLogger *Logger
	globalMu     sync.RWMutex
)

func init() {
	globalLogger = DefaultLogger()
}

// SetGlobal sets the global logger.
func SetGlobal(l *Logger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = l
}

// Global returns the global logger.
func Global() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// Configure creates and sets a global logger writing to stderr.
// Caller info is enabled at debug level.
func Configure(level, format string) *Logger {
	return ConfigureWriter(level, format, os.Stderr)
}

// ConfigureWriter is Configure with an explicit destination.
func ConfigureWriter(level, format string, w io.Writer) *Logger {
	lvl := ParseLevel(level)
	l := New(Config{
		Level:     lvl,
		Format:    ParseFormat(format),
		Output:    w,
		AddCaller: lvl == LevelDebug,
	})
	SetGlobal(l)
	return l
}

// Package-level helpers log through the global logger. Background loops
// without a component logger of their own use them.

func Debugf(msg string, fields map[string]any) { Global().Debugf(msg, fields) }

func Infof(msg string, fields map[string]any) { Global().Infof(msg, fields) }

func Warnf(msg string, fields map[string]any) { Global().Warnf(msg, fields) }

func Errorf(msg string, fields map[string]any) { Global().Errorf(msg, fields) }
