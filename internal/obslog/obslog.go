// Package obslog provides the structured logging handler used across
// the execution core. It is a thin wrapper over log/slog, adapted from
// rcornwell/S370's util/logger.LogHandler: a mutex-guarded writer that
// always mirrors warnings and above (and everything, in debug mode) to
// stderr in addition to whatever sink the caller configured.
package obslog

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Handler is a slog.Handler that serialises records to a primary sink
// and duplicates sufficiently important ones to stderr.
type Handler struct {
	out   io.Writer
	inner slog.Handler
	mu    *sync.Mutex
	debug bool
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{out: h.out, inner: h.inner.WithAttrs(attrs), mu: h.mu, debug: h.debug}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{out: h.out, inner: h.inner.WithGroup(name), mu: h.mu, debug: h.debug}
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	parts := []string{r.Time.Format("2006/01/02 15:04:05"), r.Level.String() + ":", r.Message}
	r.Attrs(func(a slog.Attr) bool {
		parts = append(parts, a.String())
		return true
	})
	line := []byte(strings.Join(parts, " ") + "\n")

	h.mu.Lock()
	defer h.mu.Unlock()

	var err error
	if h.out != nil {
		_, err = h.out.Write(line)
	}
	if h.debug || r.Level >= slog.LevelWarn {
		_, err = os.Stderr.Write(line)
	}
	return err
}

// SetDebug toggles whether every record, not just warnings and above,
// is mirrored to stderr.
func (h *Handler) SetDebug(debug bool) { h.debug = debug }

// NewHandler builds a Handler writing to out, with slog's own level
// filtering applied via opts before Handle is ever called.
func NewHandler(out io.Writer, opts *slog.HandlerOptions, debug bool) *Handler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &Handler{
		out:   out,
		inner: slog.NewTextHandler(out, opts),
		mu:    &sync.Mutex{},
		debug: debug,
	}
}

// New builds a ready-to-use *slog.Logger for the core, writing to out.
func New(out io.Writer, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(NewHandler(out, &slog.HandlerOptions{Level: level}, debug))
}
