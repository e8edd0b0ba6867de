// Package diag centralizes the ambient structured-logging setup shared by
// every engine package: pairing github.com/joeycumines/logiface's generic
// front end with a single concrete backend (github.com/joeycumines/stumpy)
// so call sites don't each re-derive the Logger[E] instantiation.
//
// A nil *Logger is always safe to call methods on: every component in this
// module accepts a logger via its Option set, defaulting to a disabled
// logger rather than requiring one.
package diag

import (
	"io"
	"os"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the concrete logger type threaded through every package in this
// module.
type Logger = logiface.Logger[*stumpy.Event]

// New builds a Logger writing stumpy's compact structured format to w at the
// given minimum level. Passing logiface.LevelDisabled yields a logger whose
// calls are no-ops (cheap enough to leave wired in hot paths).
func New(w io.Writer, level logiface.Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return logiface.New[*stumpy.Event](
		stumpy.WithStumpy(stumpy.WithWriter(w)),
		logiface.WithLevel(level),
	)
}

// Disabled returns a Logger that discards everything, for components
// constructed without an explicit logging Option.
func Disabled() *Logger {
	return New(io.Discard, logiface.LevelDisabled)
}
