package debug

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Build flag for debug mode - can be overridden at build time
// go build -ldflags "-X github.com/standardbeagle/codeintd/internal/debug.EnableDebug=true"
var EnableDebug = "false"

// StdioMode is set when the editor channel runs over stdin/stdout.
// Writers bound to the process standard streams are dropped in this mode.
var StdioMode = false

// DefaultLogName is the per-user log file created under the home directory
const DefaultLogName = ".codeintd.log"

// Direction of an RPC message relative to this process
type Direction int

const (
	DirectionIn Direction = iota
	DirectionOut
)

var (
	logOutput io.Writer
	logFile   *os.File
	traceRPC  bool
	logMutex  sync.Mutex
)

// SetStdioMode enables stdio mode which suppresses output to the standard streams
func SetStdioMode(enabled bool) {
	logMutex.Lock()
	defer logMutex.Unlock()
	StdioMode = enabled
}

// SetOutput sets a custom writer for log output.
// Pass nil to disable log output entirely.
func SetOutput(w io.Writer) {
	logMutex.Lock()
	defer logMutex.Unlock()
	logOutput = w
}

// SetTraceRPC toggles logging of every message crossing the editor channel
func SetTraceRPC(enabled bool) {
	logMutex.Lock()
	defer logMutex.Unlock()
	traceRPC = enabled
}

// DefaultLogPath returns ~/.codeintd.log, falling back to the temp dir
func DefaultLogPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(os.TempDir(), DefaultLogName)
	}
	return filepath.Join(home, DefaultLogName)
}

// InitLogFile opens path in append mode and routes all log output to it.
// Call CloseLog when done to ensure the file is properly closed.
func InitLogFile(path string) error {
	logMutex.Lock()
	defer logMutex.Unlock()

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	if logFile != nil {
		logFile.Close()
	}
	logFile = file
	logOutput = file
	return nil
}

// CloseLog closes the log file if one is open.
func CloseLog() error {
	logMutex.Lock()
	defer logMutex.Unlock()

	if logFile != nil {
		err := logFile.Close()
		logFile = nil
		logOutput = nil
		return err
	}
	return nil
}

// IsDebugEnabled returns true if debug mode is enabled by build flag or environment
func IsDebugEnabled() bool {
	if EnableDebug == "true" {
		return true
	}

	// Allow runtime override via environment variable
	if os.Getenv("DEBUG") == "1" || os.Getenv("DEBUG") == "true" {
		return true
	}

	return false
}

// getWriter returns the writer for log output, or nil if none is usable
func getWriter() io.Writer {
	logMutex.Lock()
	defer logMutex.Unlock()
	if logOutput == nil {
		return nil
	}
	if StdioMode && (logOutput == io.Writer(os.Stdout) || logOutput == io.Writer(os.Stderr)) {
		return nil
	}
	return logOutput
}

func write(prefix, format string, args ...interface{}) {
	w := getWriter()
	if w == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if len(msg) == 0 || msg[len(msg)-1] != '\n' {
		msg += "\n"
	}
	ts := time.Now().Format("2006-01-02 15:04:05.000")

	logMutex.Lock()
	defer logMutex.Unlock()
	fmt.Fprintf(w, "%s %s %s", ts, prefix, msg)
}

// Log provides structured debug logging with component names
func Log(component, format string, args ...interface{}) {
	if !IsDebugEnabled() {
		return
	}
	write("[DEBUG:"+component+"]", format, args...)
}

// Info logs an operational event regardless of debug mode
func Info(component, format string, args ...interface{}) {
	write("[INFO:"+component+"]", format, args...)
}

// Error logs a failure regardless of debug mode
func Error(component, format string, args ...interface{}) {
	write("[ERROR:"+component+"]", format, args...)
}

// LogIndexing provides debug logging specifically for indexing operations
func LogIndexing(format string, args ...interface{}) {
	Log("INDEX", format, args...)
}

// LogServer provides debug logging specifically for the serve loop
func LogServer(format string, args ...interface{}) {
	Log("SERVER", format, args...)
}

// LogTransport provides debug logging specifically for transports
func LogTransport(format string, args ...interface{}) {
	Log("TRANSPORT", format, args...)
}

// LogRPC records one message crossing the editor channel when tracing is on
func LogRPC(dir Direction, msg interface{}) {
	logMutex.Lock()
	enabled := traceRPC
	logMutex.Unlock()
	if !enabled {
		return
	}
	if dir == DirectionIn {
		write("[RPC][editor -> codeintd]:", "%v", msg)
	} else {
		write("[RPC][codeintd -> editor]:", "%v", msg)
	}
}

// Fatal records a catastrophic error and returns it instead of exiting.
// Callers decide whether the process should terminate.
func Fatal(format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	write("[FATAL]", "%s", msg)
	return fmt.Errorf("fatal error: %s", msg)
}
