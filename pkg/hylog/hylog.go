// Package hylog provides the leveled logger used across the meta-hybrid
// core. It follows the shape of apptainer's sylog package: a small set of
// package-level Fatalf/Errorf/Warningf/Infof/Verbosef/Debugf functions, a
// redirectable io.Writer, and a level selected from an environment
// variable. Unlike sylog, SetFileOutput tees output to the daemon log
// file alongside stderr, since the core is required to keep an
// append-only daemon.log (see the filesystem layout in the external
// interfaces section of the spec this module implements); until it is
// called, the writer is stderr alone.
package hylog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

type messageLevel int

const (
	FatalLevel messageLevel = iota - 1
	ErrorLevel
	WarnLevel
	InfoLevel
	VerboseLevel
	DebugLevel
)

func (l messageLevel) String() string {
	switch l {
	case FatalLevel:
		return "FATAL"
	case ErrorLevel:
		return "ERROR"
	case WarnLevel:
		return "WARNING"
	case InfoLevel:
		return "INFO"
	case VerboseLevel:
		return "VERBOSE"
	case DebugLevel:
		return "DEBUG"
	default:
		return "LOG"
	}
}

var (
	mu          sync.Mutex
	loggerLevel = InfoLevel
	logWriter   io.Writer = os.Stderr
)

func init() {
	if l, err := strconv.Atoi(os.Getenv("METAHYBRID_LOGLEVEL")); err == nil {
		loggerLevel = messageLevel(l)
	}
}

// SetWriter replaces the destination writer (tests redirect this to a
// buffer) and returns the previous one.
func SetWriter(w io.Writer) io.Writer {
	mu.Lock()
	defer mu.Unlock()
	old := logWriter
	if w != nil {
		logWriter = w
	}
	return old
}

// SetFileOutput configures the logger to write to both stderr and the
// given daemon log file, creating parent directories as needed. Mirrors
// the append-only daemon.log requirement from the filesystem layout.
func SetFileOutput(path string) (io.Closer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating daemon log dir for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("opening daemon log %s: %w", path, err)
	}
	SetWriter(io.MultiWriter(os.Stderr, f))
	return f, nil
}

// SetLevel explicitly sets the logger level.
func SetLevel(l int) {
	mu.Lock()
	defer mu.Unlock()
	loggerLevel = messageLevel(l)
}

func writef(msgLevel messageLevel, format string, a ...interface{}) {
	mu.Lock()
	level := loggerLevel
	w := logWriter
	mu.Unlock()

	if level < msgLevel {
		return
	}
	message := strings.TrimRight(fmt.Sprintf(format, a...), "\n")
	fmt.Fprintf(w, "%-8s%s\n", msgLevel.String()+":", message)
}

// Fatalf logs at FATAL level and exits with status 255. Only the daemon
// entrypoint should call this; library code should return errors instead.
func Fatalf(format string, a ...interface{}) {
	writef(FatalLevel, format, a...)
	os.Exit(255)
}

// Errorf logs an ERROR level message for a failure being returned to the caller.
func Errorf(format string, a ...interface{}) {
	writef(ErrorLevel, format, a...)
}

// Warningf logs a WARNING level message.
func Warningf(format string, a ...interface{}) {
	writef(WarnLevel, format, a...)
}

// Infof logs an INFO level message.
func Infof(format string, a ...interface{}) {
	writef(InfoLevel, format, a...)
}

// Verbosef logs a VERBOSE level message.
func Verbosef(format string, a ...interface{}) {
	writef(VerboseLevel, format, a...)
}

// Debugf logs a DEBUG level message.
func Debugf(format string, a ...interface{}) {
	writef(DebugLevel, format, a...)
}
