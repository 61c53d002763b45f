// Package log provides structured logging for bornbind.
//
// Lines are written as
//
//	2026-01-02T15:04:05 [INFO] [solver] Iteration 100 loss=0.25 lr=0.01
//
// Logging is disabled until Init or SetOutput is called, so the binding stays
// silent inside a host process unless the host asks for a log destination.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents log severity.
type Level int

// Log levels.
const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
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

// ParseLevel converts a level name (case-insensitive) to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Category groups related log messages.
type Category string

// Log categories.
const (
	CatShim   Category = "shim"   // command dispatch
	CatHandle Category = "handle" // registry and handle validation
	CatNet    Category = "net"    // net construction, weight I/O
	CatSolver Category = "solver" // training loop, snapshots
	CatDevice Category = "device" // mode and device selection
	CatIO     Category = "io"     // mean files and other file I/O
)

type logger struct {
	mu       sync.Mutex
	file     *os.File
	writer   io.Writer
	minLevel Level
}

var (
	mu      sync.Mutex
	current *logger
)

// Init opens path for appending and routes all log output to it.
// A previously opened log file is closed first, so Init may be called again
// to move the log. The returned cleanup function closes the file.
func Init(path string) (func(), error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644) //nolint:gosec // G304: log path is chosen by the caller
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	mu.Lock()
	prev := current
	current = &logger{file: f, writer: f, minLevel: LevelInfo}
	if prev != nil {
		current.minLevel = prev.minLevel
	}
	mu.Unlock()

	if prev != nil && prev.file != nil {
		_ = prev.file.Close()
	}

	return func() {
		mu.Lock()
		defer mu.Unlock()
		if current != nil && current.file == f {
			current = nil
		}
		_ = f.Close()
	}, nil
}

// SetOutput routes log output to w. Passing nil disables logging.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	if w == nil {
		current = nil
		return
	}
	current = &logger{writer: w, minLevel: LevelInfo}
}

// SetMinLevel sets the minimum level that is written.
func SetMinLevel(level Level) {
	mu.Lock()
	defer mu.Unlock()
	if current != nil {
		current.mu.Lock()
		current.minLevel = level
		current.mu.Unlock()
	}
}

// Enabled reports whether a log destination is configured.
func Enabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return current != nil
}

// Debug logs at debug level.
func Debug(cat Category, msg string, fields ...any) {
	write(LevelDebug, cat, msg, fields...)
}

// Info logs at info level.
func Info(cat Category, msg string, fields ...any) {
	write(LevelInfo, cat, msg, fields...)
}

// Warn logs at warning level.
func Warn(cat Category, msg string, fields ...any) {
	write(LevelWarn, cat, msg, fields...)
}

// Error logs at error level.
func Error(cat Category, msg string, fields ...any) {
	write(LevelError, cat, msg, fields...)
}

// ErrorErr logs an error with the error value.
func ErrorErr(cat Category, msg string, err error, fields ...any) {
	if err != nil {
		fields = append(fields, "error", err.Error())
	} else {
		fields = append(fields, "error", "<nil>")
	}
	write(LevelError, cat, msg, fields...)
}

func write(level Level, cat Category, msg string, fields ...any) {
	mu.Lock()
	l := current
	mu.Unlock()
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if level < l.minLevel {
		return
	}

	var b strings.Builder
	b.WriteString(time.Now().Format("2006-01-02T15:04:05"))
	fmt.Fprintf(&b, " [%s] [%s] %s", level, cat, msg)
	for i := 0; i+1 < len(fields); i += 2 {
		fmt.Fprintf(&b, " %v=%v", fields[i], fields[i+1])
	}
	if len(fields)%2 != 0 {
		fmt.Fprintf(&b, " %v=<missing>", fields[len(fields)-1])
	}
	b.WriteByte('\n')

	_, _ = io.WriteString(l.writer, b.String())
}
