package qcache

import (
	"io"
	"os"

	"github.com/hashicorp/go-hclog"
)

// Logger is the environment collaborator described by spec.md §6: a minimal
// logging surface the core writes diagnostics to. It is always supplied
// through construction (the config passed to NewClient) and never held
// as process-wide state, per the "Logger injection" design note in §9.
type Logger interface {
	Log(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

// hclogLogger adapts hashicorp/go-hclog to the Logger interface.
type hclogLogger struct {
	l hclog.Logger
}

// NewLogger builds a Logger backed by go-hclog, writing to w (os.Stderr if
// nil) with the given name used as the hclog logger's name.
func NewLogger(name string, w io.Writer) Logger {
	if w == nil {
		w = os.Stderr
	}
	return &hclogLogger{l: hclog.New(&hclog.LoggerOptions{
		Name:   name,
		Output: w,
		Level:  hclog.Debug,
	})}
}

func (h *hclogLogger) Log(msg string, args ...interface{})   { h.l.Debug(msg, args...) }
func (h *hclogLogger) Warn(msg string, args ...interface{})  { h.l.Warn(msg, args...) }
func (h *hclogLogger) Error(msg string, args ...interface{}) { h.l.Error(msg, args...) }

// nopLogger discards everything; used as the zero-value default so callers
// never need a nil check.
type nopLogger struct{}

func (nopLogger) Log(string, ...interface{})   {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

// NoopLogger returns a Logger that discards all messages.
func NoopLogger() Logger { return nopLogger{} }
