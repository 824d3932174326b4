package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

// Level controls which messages are emitted. Messages below the
// configured level are dropped.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a config string to a Level. Unknown values fall
// back to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

var (
	mu       sync.Mutex
	disabled = false
	minLevel = LevelInfo
	logger   = log.New(os.Stdout, "", log.LstdFlags)
	file     *os.File
)

// Disable turns off all logging
func Disable() {
	mu.Lock()
	defer mu.Unlock()
	disabled = true
}

// Enable turns logging back on
func Enable() {
	mu.Lock()
	defer mu.Unlock()
	disabled = false
}

// SetLevel sets the minimum emitted level.
func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	minLevel = l
}

// SetFile mirrors log output to the given path in addition to stdout.
// Passing an empty path closes any previous sink and reverts to
// stdout only.
func SetFile(path string) error {
	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		file.Close()
		file = nil
	}
	if path == "" {
		logger.SetOutput(os.Stdout)
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	file = f
	logger.SetOutput(io.MultiWriter(os.Stdout, f))
	return nil
}

// Close flushes and closes the file sink, if any.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		file.Close()
		file = nil
		logger.SetOutput(os.Stdout)
	}
}

func emit(l Level, prefix string, v ...any) {
	mu.Lock()
	defer mu.Unlock()
	if disabled || l < minLevel {
		return
	}
	logger.Println(append([]any{prefix}, v...)...)
}

func emitf(l Level, prefix, format string, v ...any) {
	mu.Lock()
	defer mu.Unlock()
	if disabled || l < minLevel {
		return
	}
	logger.Printf(prefix+" "+format, v...)
}

// Debug logs a debug message
func Debug(v ...any) {
	emit(LevelDebug, "DEBUG", v...)
}

// Debugf logs a formatted debug message
func Debugf(format string, v ...any) {
	emitf(LevelDebug, "DEBUG", format, v...)
}

// Info logs an info message
func Info(v ...any) {
	emit(LevelInfo, "INFO", v...)
}

// Infof logs a formatted info message
func Infof(format string, v ...any) {
	emitf(LevelInfo, "INFO", format, v...)
}

// Warn logs a warning message
func Warn(v ...any) {
	emit(LevelWarn, "WARN", v...)
}

// Warnf logs a formatted warning message
func Warnf(format string, v ...any) {
	emitf(LevelWarn, "WARN", format, v...)
}

// Error logs an error message
func Error(v ...any) {
	emit(LevelError, "ERROR", v...)
}

// Errorf logs a formatted error message
func Errorf(format string, v ...any) {
	emitf(LevelError, "ERROR", format, v...)
}
