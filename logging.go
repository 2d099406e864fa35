package bblocks

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger wraps a zerolog.Logger and is threaded explicitly through every
// component constructor in this package (Pool, Poller, AIOAdaptor,
// Watchdog, Channel, ...). The original's Logger/ThreadCtx singletons are
// exactly what "Design Notes" §9 flags for retirement in a rewrite
// ("Replacing global singletons ... Prefer a single explicit runtime
// handle threaded through construction"); there is no package-level
// logger here.
type Logger struct {
	zl zerolog.Logger
}

// NewLogger builds a Logger writing to w at the given level, matching how
// joeycumines-go-utilpkg/logiface/zerolog wires a zerolog.Logger behind a
// narrow façade.
func NewLogger(w io.Writer, level zerolog.Level) Logger {
	return Logger{zl: zerolog.New(w).Level(level).With().Timestamp().Logger()}
}

// NopLogger discards everything; used as the zero-value default so
// components remain usable without requiring WithLogger.
func NopLogger() Logger {
	return Logger{zl: zerolog.Nop()}
}

// DefaultLogger writes human-readable output to stderr at info level,
// convenient for the cmd/ demo binaries.
func DefaultLogger() Logger {
	return NewLogger(zerolog.ConsoleWriter{Out: os.Stderr}, zerolog.InfoLevel)
}

func (l Logger) Debug() *zerolog.Event { return l.zl.Debug() }
func (l Logger) Info() *zerolog.Event  { return l.zl.Info() }
func (l Logger) Warn() *zerolog.Event  { return l.zl.Warn() }
func (l Logger) Error() *zerolog.Event { return l.zl.Error() }

// With returns a child Logger with an added field, used to scope log
// lines to a component instance (e.g. a worker id or a poller shard).
func (l Logger) With(key string, value any) Logger {
	return Logger{zl: l.zl.With().Interface(key, value).Logger()}
}
