// Package logging builds the slog loggers used across boltz.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RunHandler renders one record per line:
//
//	2026-01-02T15:04:05Z [info] message | stage.key=value
//
// Float attributes are trimmed to six significant digits so that
// wavenumbers and conformal times stay readable side by side.
type RunHandler struct {
	mu     *sync.Mutex
	w      io.Writer
	min    slog.Level
	prefix string      // dotted group path, empty at the root
	bound  []slog.Attr // attrs from WithAttrs, keys already prefixed
}

// NewRunHandler creates a handler writing the run format to w. A nil
// opts (or nil opts.Level) means info and above.
func NewRunHandler(w io.Writer, opts *slog.HandlerOptions) *RunHandler {
	h := &RunHandler{mu: &sync.Mutex{}, w: w, min: slog.LevelInfo}
	if opts != nil && opts.Level != nil {
		h.min = opts.Level.Level()
	}
	return h
}

func (h *RunHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.min
}

func (h *RunHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Time.UTC().Format(time.RFC3339))
	b.WriteString(" [")
	b.WriteString(levelName(r.Level))
	b.WriteString("] ")
	b.WriteString(r.Message)

	sep := " |"
	emit := func(a slog.Attr) {
		if a.Key == "" {
			return
		}
		b.WriteString(sep)
		sep = ""
		b.WriteByte(' ')
		b.WriteString(a.Key)
		b.WriteByte('=')
		b.WriteString(renderValue(a.Value))
	}
	for _, a := range h.bound {
		emit(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		emit(slog.Attr{Key: h.prefix + a.Key, Value: a.Value})
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *RunHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.bound = make([]slog.Attr, 0, len(h.bound)+len(attrs))
	c.bound = append(c.bound, h.bound...)
	for _, a := range attrs {
		c.bound = append(c.bound, slog.Attr{Key: h.prefix + a.Key, Value: a.Value})
	}
	return &c
}

// WithGroup extends the dotted key prefix. Stage loggers rely on this
// so attrs read background.tau, perturb.k.
func (h *RunHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := *h
	c.prefix = h.prefix + name + "."
	return &c
}

func levelName(level slog.Level) string {
	switch {
	case level < slog.LevelInfo:
		return "debug"
	case level < slog.LevelWarn:
		return "info"
	case level < slog.LevelError:
		return "warn"
	default:
		return "error"
	}
}

func renderValue(v slog.Value) string {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'g', 6, 64)
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	default:
		return fmt.Sprint(v.Any())
	}
}
