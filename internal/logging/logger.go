// Package logging provides structured logging tagged with the client
// connection and character a log line concerns.
// Records are rendered by zerolog as JSON lines or as console text.
package logging

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Level represents the severity of a log message.
type Level int

const (
	// LevelDebug is for detailed debugging information.
	LevelDebug Level = iota
	// LevelInfo is for general information messages.
	LevelInfo
	// LevelWarn is for warning messages.
	LevelWarn
	// LevelError is for error messages.
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

func (l Level) zerolog() zerolog.Level {
	switch l {
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

// ParseLevel converts a string to a Level. Unknown values map to info.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Format represents the output format for log messages.
type Format int

const (
	// FormatJSON outputs logs as JSON objects.
	FormatJSON Format = iota
	// FormatText outputs logs as human-readable console lines.
	FormatText
)

// ParseFormat converts a string to a Format. Unknown values map to JSON.
func ParseFormat(s string) Format {
	switch s {
	case "text", "console":
		return FormatText
	default:
		return FormatJSON
	}
}

// Logger provides structured logging with configurable levels and formats.
// Loggers derived with With, WithConnID and WithCharacterID share the parent's writer.
type Logger struct {
	mu            sync.Mutex
	out           io.Writer
	level         Level
	format        Format
	addCaller     bool
	callerSkip    int
	fields        map[string]any
	connID        string
	characterID   int64
	zl            zerolog.Logger
}

// Config holds configuration for a Logger.
type Config struct {
	Level      Level
	Format     Format
	Output     io.Writer
	AddCaller  bool
	CallerSkip int
}

// New creates a new Logger with the given configuration.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	l := &Logger{
		out:        zerolog.SyncWriter(out),
		level:      cfg.Level,
		format:     cfg.Format,
		addCaller:  cfg.AddCaller,
		callerSkip: cfg.CallerSkip,
		fields:     make(map[string]any),
	}
	l.zl = buildZerolog(l.out, l.format)
	return l
}

func buildZerolog(out io.Writer, format Format) zerolog.Logger {
	w := out
	if format == FormatText {
		w = zerolog.ConsoleWriter{Out: out, NoColor: true, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

// DefaultLogger returns a logger with default settings.
func DefaultLogger() *Logger {
	return New(Config{
		Level:  LevelInfo,
		Format: FormatJSON,
		Output: os.Stderr,
	})
}

// SetLevel updates the minimum logging level.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// GetLevel returns the current logging level.
func (l *Logger) GetLevel() Level {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// SetFormat updates the output format.
func (l *Logger) SetFormat(format Format) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.format = format
	l.zl = buildZerolog(l.out, format)
}

// SetAddCaller enables or disables caller info (file/line).
func (l *Logger) SetAddCaller(add bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.addCaller = add
}

func (l *Logger) clone() *Logger {
	fields := make(map[string]any, len(l.fields))
	for k, v := range l.fields {
		fields[k] = v
	}
	return &Logger{
		out:           l.out,
		level:         l.level,
		format:        l.format,
		addCaller:     l.addCaller,
		callerSkip:    l.callerSkip,
		fields:        fields,
		connID:        l.connID,
		characterID:   l.characterID,
		zl:            l.zl,
	}
}

// With returns a new Logger with the given fields added.
func (l *Logger) With(fields map[string]any) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()

	c := l.clone()
	for k, v := range fields {
		c.fields[k] = v
	}
	return c
}

// WithConnID returns a Logger whose lines carry connId.
func (l *Logger) WithConnID(id string) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()

	c := l.clone()
	c.connID = id
	return c
}

// WithCharacterID returns a Logger whose lines carry characterId.
func (l *Logger) WithCharacterID(id int64) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()

	c := l.clone()
	c.characterID = id
	return c
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) {
	l.log(LevelDebug, msg, nil)
}

// Debugf logs a debug message with fields.
func (l *Logger) Debugf(msg string, fields map[string]any) {
	l.log(LevelDebug, msg, fields)
}

// Info logs an info message.
func (l *Logger) Info(msg string) {
	l.log(LevelInfo, msg, nil)
}

// Infof logs an info message with fields.
func (l *Logger) Infof(msg string, fields map[string]any) {
	l.log(LevelInfo, msg, fields)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string) {
	l.log(LevelWarn, msg, nil)
}

// Warnf logs a warning message with fields.
func (l *Logger) Warnf(msg string, fields map[string]any) {
	l.log(LevelWarn, msg, fields)
}

// Error logs an error message.
func (l *Logger) Error(msg string) {
	l.log(LevelError, msg, nil)
}

// Errorf logs an error message with fields.
func (l *Logger) Errorf(msg string, fields map[string]any) {
	l.log(LevelError, msg, fields)
}

func (l *Logger) log(level Level, msg string, extraFields map[string]any) {
	l.mu.Lock()
	if level < l.level {
		l.mu.Unlock()
		return
	}
	zl := l.zl
	addCaller := l.addCaller
	callerSkip := l.callerSkip
	connID := l.connID
	characterID := l.characterID
	var merged map[string]any
	if len(l.fields) > 0 || len(extraFields) > 0 {
		merged = make(map[string]any, len(l.fields)+len(extraFields))
		for k, v := range l.fields {
			merged[k] = v
		}
		for k, v := range extraFields {
			merged[k] = v
		}
	}
	l.mu.Unlock()

	ev := zl.WithLevel(level.zerolog())
	if connID != "" {
		ev = ev.Str("connId", connID)
	}
	if characterID != 0 {
		ev = ev.Int64("characterId", characterID)
	}
	if addCaller {
		ev = ev.Caller(2 + callerSkip)
	}
	if merged != nil {
		ev = ev.Fields(merged)
	}
	ev.Msg(msg)
}
