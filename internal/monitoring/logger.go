package monitoring

import (
	"io"
	"log"
	"os"
	"strings"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Log levels accepted by LogWriters, from least to most verbose.
const (
	LevelOps   = "ops"
	LevelDiag  = "diag"
	LevelTrace = "trace"
)

// LogWriters maps a configured verbosity to the ops, diag and trace writers
// that packages accept through their SetLogWriters functions. Streams above
// the requested level are returned as nil, which disables them. An unknown
// level falls back to diag.
func LogWriters(level string, w io.Writer) (ops, diag, trace io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	switch strings.ToLower(strings.TrimSpace(level)) {
	case LevelOps:
		return w, nil, nil
	case LevelTrace:
		return w, w, w
	default:
		return w, w, nil
	}
}
