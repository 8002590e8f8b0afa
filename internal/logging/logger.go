// Package logging provides the leveled logger shared by every component.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a log message
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
	LevelError
)

var levelStrings = map[Level]string{
	LevelDebug:   "DEBUG",
	LevelInfo:    "INFO",
	LevelWarning: "WARN",
	LevelError:   "ERROR",
}

func (l Level) String() string {
	if s, ok := levelStrings[l]; ok {
		return s
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

// ParseLevel maps a LOG_LEVEL value to a Level. Unknown values map to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return LevelDebug
	case "warn", "warning":
		return LevelWarning
	case "error", "fatal":
		return LevelError
	default:
		return LevelInfo
	}
}

// Options configures a Logger.
type Options struct {
	Level Level
	// File is an optional log file path. Output always goes to Stdout too.
	File    string
	MaxSize int64
	Stdout  io.Writer
}

// Logger handles application logging
type Logger struct {
	out    *output
	level  Level
	prefix string
}

// output is shared by a logger and the component loggers derived from it.
type output struct {
	mu       sync.Mutex
	logger   *log.Logger
	file     *os.File
	stdout   io.Writer
	filename string
	maxSize  int64
}

// New creates a logger writing to stdout and, when configured, to a file.
func New(opts Options) (*Logger, error) {
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	maxSize := opts.MaxSize
	if maxSize <= 0 {
		maxSize = 50 * 1024 * 1024 // 50MB
	}

	o := &output{
		stdout:   stdout,
		filename: opts.File,
		maxSize:  maxSize,
	}

	var w io.Writer = stdout
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		file, err := os.OpenFile(opts.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		o.file = file
		w = io.MultiWriter(file, stdout)
	}
	o.logger = log.New(w, "", log.LstdFlags)
	return &Logger{out: o, level: opts.Level}, nil
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *Logger {
	return &Logger{
		out:   &output{logger: log.New(io.Discard, "", 0), stdout: io.Discard},
		level: LevelError + 1,
	}
}

// With returns a logger that prefixes every message with the component name.
// It shares output and rotation state with the parent.
func (l *Logger) With(component string) *Logger {
	c := *l
	c.prefix = l.prefix + "[" + component + "] "
	return &c
}

func (l *Logger) log(level Level, format string, args ...any) {
	if level < l.level {
		return
	}

	o := l.out
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.rotateIfNeeded(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to rotate log file: %v\n", err)
	}

	o.logger.Printf("[%s] %s%s", level, l.prefix, fmt.Sprintf(format, args...))
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...any) { l.log(LevelDebug, format, args...) }

// Info logs an info message
func (l *Logger) Info(format string, args ...any) { l.log(LevelInfo, format, args...) }

// Warning logs a warning message
func (l *Logger) Warning(format string, args ...any) { l.log(LevelWarning, format, args...) }

// Error logs an error message
func (l *Logger) Error(format string, args ...any) { l.log(LevelError, format, args...) }

// Fatal logs an error message and exits the process.
func (l *Logger) Fatal(format string, args ...any) {
	l.log(LevelError, format, args...)
	os.Exit(1)
}

// rotateIfNeeded checks if log rotation is needed and performs it
func (o *output) rotateIfNeeded() error {
	if o.file == nil {
		return nil
	}
	info, err := o.file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	if info.Size() < o.maxSize {
		return nil
	}

	if err := o.file.Close(); err != nil {
		return fmt.Errorf("failed to close log file: %w", err)
	}

	rotatedPath := fmt.Sprintf("%s.%s", o.filename, time.Now().Format("20060102-150405"))
	if err := os.Rename(o.filename, rotatedPath); err != nil {
		return fmt.Errorf("failed to rename log file: %w", err)
	}

	file, err := os.OpenFile(o.filename, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open new log file: %w", err)
	}
	o.logger.SetOutput(io.MultiWriter(file, o.stdout))
	o.file = file
	return nil
}

// Close closes the underlying file, if any.
func (l *Logger) Close() error {
	o := l.out
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.file == nil {
		return nil
	}
	if err := o.file.Close(); err != nil {
		return fmt.Errorf("failed to close log file: %w", err)
	}
	o.file = nil
	return nil
}
