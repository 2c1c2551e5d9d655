package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
)

var logWriter io.Writer = os.Stderr

var verbose atomic.Bool

// SetLogWriter sets the log output destination
func SetLogWriter(w io.Writer) {
	if w != nil {
		logWriter = w
	}
}

// SetVerbose toggles debug-level output
func SetVerbose(v bool) {
	verbose.Store(v)
}

// Log prints a message to the log output
func Log(a ...any) {
	_, _ = fmt.Fprintln(logWriter, a...)
}

// Logf prints a formatted message to the log output
func Logf(format string, a ...any) {
	if !strings.HasSuffix(format, "\n") {
		format += "\n"
	}
	_, _ = fmt.Fprintf(logWriter, format, a...)
}

// Debugf prints a formatted message only when verbose output is enabled
func Debugf(format string, a ...any) {
	if verbose.Load() {
		Logf(format, a...)
	}
}
