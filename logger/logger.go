package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Format represents the log format
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Logger wraps slog with runtime-adjustable level, format and outputs.
type Logger struct {
	mu      sync.RWMutex
	slogger *slog.Logger
	writers []io.Writer
	level   slog.Level
	format  Format
}

// New creates a new logger
func New(level slog.Level, format Format, writers ...io.Writer) *Logger {
	l := &Logger{
		writers: writers,
		level:   level,
		format:  format,
	}
	l.rebuildLocked()
	return l
}

func (l *Logger) rebuildLocked() {
	multiWriter := io.MultiWriter(l.writers...)
	opts := &slog.HandlerOptions{Level: l.level}
	var handler slog.Handler
	switch l.format {
	case FormatJSON:
		handler = slog.NewJSONHandler(multiWriter, opts)
	default:
		handler = slog.NewTextHandler(multiWriter, opts)
	}
	l.slogger = slog.New(handler)
}

// Slog returns the current underlying slog logger.
func (l *Logger) Slog() *slog.Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.slogger
}

// SetLevel sets the logging level
func (l *Logger) SetLevel(level slog.Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
	l.rebuildLocked()
}

// Level returns the current log level
func (l *Logger) Level() slog.Level {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.level
}

// AddOutput adds a new output destination
func (l *Logger) AddOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writers = append(l.writers, w)
	l.rebuildLocked()
}

// SetFormat changes the log format
func (l *Logger) SetFormat(format Format) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.format = format
	l.rebuildLocked()
}

// Rotate closes the current log file and continues logging to path.
func (l *Logger) Rotate(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	newWriters := make([]io.Writer, 0, len(l.writers)+1)
	for _, writer := range l.writers {
		if file, ok := writer.(*os.File); ok && file != os.Stdout && file != os.Stderr {
			file.Close()
			continue
		}
		newWriters = append(newWriters, writer)
	}

	file, err := openLogFile(path)
	if err != nil {
		return err
	}
	l.writers = append(newWriters, file)
	l.rebuildLocked()
	return nil
}

// Close closes all file writers
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, writer := range l.writers {
		if file, ok := writer.(*os.File); ok && file != os.Stdout && file != os.Stderr {
			if err := file.Close(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (l *Logger) Debug(msg string, args ...any) { l.Slog().Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.Slog().Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.Slog().Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.Slog().Error(msg, args...) }

func (l *Logger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.Slog().DebugContext(ctx, msg, args...)
}

func (l *Logger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.Slog().InfoContext(ctx, msg, args...)
}

func (l *Logger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.Slog().WarnContext(ctx, msg, args...)
}

func (l *Logger) ErrorContext(ctx context.Context, msg string, args ...any) {
	l.Slog().ErrorContext(ctx, msg, args...)
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}

// Init replaces the default logger. Stderr is always included so stdout stays free for CLI output.
func Init(level slog.Level, format Format, paths ...string) error {
	writers := []io.Writer{os.Stderr}
	for _, path := range paths {
		if path == "" {
			continue
		}
		file, err := openLogFile(path)
		if err != nil {
			return err
		}
		writers = append(writers, file)
	}

	defaultMu.Lock()
	defaultLogger = New(level, format, writers...)
	defaultMu.Unlock()
	return nil
}

// GetLevelFromString returns the log level from a string
func GetLevelFromString(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

var (
	defaultMu     sync.RWMutex
	defaultLogger = New(slog.LevelInfo, FormatText, os.Stderr)
)

// Default returns the process-wide logger.
func Default() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// SetLevel changes the level of the default logger.
func SetLevel(level slog.Level) {
	Default().SetLevel(level)
}

func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }

func DebugContext(ctx context.Context, msg string, args ...any) {
	Default().DebugContext(ctx, msg, args...)
}

func InfoContext(ctx context.Context, msg string, args ...any) {
	Default().InfoContext(ctx, msg, args...)
}

func WarnContext(ctx context.Context, msg string, args ...any) {
	Default().WarnContext(ctx, msg, args...)
}

func ErrorContext(ctx context.Context, msg string, args ...any) {
	Default().ErrorContext(ctx, msg, args...)
}
