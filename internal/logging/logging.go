// Package logging is the structured-logging façade every component actor
// uses. It pairs github.com/joeycumines/logiface (the teacher's logging
// core) with the github.com/joeycumines/stumpy JSON backend, matching the
// teacher's own logiface-stumpy pairing — this module standardizes on that
// one backend rather than carrying logiface-zerolog/-logrus/-slog forward,
// since nothing here needs a second backend (see DESIGN.md).
package logging

import (
	"io"
	"os"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is a bound alias for the concrete logger type this module uses
// everywhere: a logiface.Logger writing stumpy-encoded JSON events.
type Logger = logiface.Logger[*stumpy.Event]

// New constructs a root Logger writing to w (os.Stderr if nil).
func New(w io.Writer) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return stumpy.L.New(
		stumpy.L.WithStumpy(),
		stumpy.L.WithWriter(w),
	)
}

// With returns a child Logger with component and instance bound as fields on
// every subsequent log line, following the teacher's eventloop convention of
// stamping every structured log line with the owning actor's identity (its
// per-loop LoopID field).
func With(parent *Logger, component, instance string) *Logger {
	ctx := parent.Clone()
	if ctx == nil {
		return parent
	}
	ctx = ctx.Str("component", component)
	if instance != "" {
		ctx = ctx.Str("instance", instance)
	}
	child := ctx.Logger()
	if child == nil {
		return parent
	}
	return child
}
