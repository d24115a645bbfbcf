package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// silence sits above every standard level; quiet mode and the discard
// logger use it.
const silence = slog.Level(100)

// NewLogger returns a logger writing the run format to w.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(NewRunHandler(w, &slog.HandlerOptions{Level: level}))
}

// NewDiscardLogger returns a logger that drops every record. Stages
// accept it for tests and silent library use.
func NewDiscardLogger() *slog.Logger {
	return NewLogger(io.Discard, silence)
}

// NewTeeLogger returns a logger that writes every record to all the
// given writers at the same level. The CLI tees stderr and the
// --log-file destination through this.
func NewTeeLogger(level slog.Level, ws ...io.Writer) *slog.Logger {
	hs := make(tee, len(ws))
	for i, w := range ws {
		hs[i] = NewRunHandler(w, &slog.HandlerOptions{Level: level})
	}
	return slog.New(hs)
}

// OpenLogFile opens an append-mode run log, creating it if needed.
func OpenLogFile(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}

// LevelFromVerbosity maps the -v / -q flags onto a level. The default
// shows warnings only; one -v adds run progress, two or more add the
// per-stage debug records.
func LevelFromVerbosity(verbosity int, quiet bool) slog.Level {
	switch {
	case quiet:
		return silence
	case verbosity == 0:
		return slog.LevelWarn
	case verbosity == 1:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

// Stage returns a logger scoped to one pipeline stage: its attrs come
// out prefixed as stage.key. A nil logger is replaced by the discard
// logger so stages never have to check.
func Stage(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		return NewDiscardLogger()
	}
	return logger.WithGroup(name)
}

// tee fans each record out to every handler in the slice.
type tee []slog.Handler

func (t tee) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (t tee) Handle(ctx context.Context, r slog.Record) error {
	var first error
	for _, h := range t {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (t tee) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(tee, len(t))
	for i, h := range t {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (t tee) WithGroup(name string) slog.Handler {
	out := make(tee, len(t))
	for i, h := range t {
		out[i] = h.WithGroup(name)
	}
	return out
}
