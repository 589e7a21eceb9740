// ABOUTME: slog setup for the server: JSON for machines, a colorized handler for terminals
// ABOUTME: Level and format come from the logging config section

package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/assessor-labs/mcpgate/internal/config"
)

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	return newLogger(cfg, os.Stdout)
}

func newLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	level := parseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = &colorHandler{mu: &sync.Mutex{}, out: w, level: level}
	}
	return slog.New(handler)
}

// colorHandler writes one colorized line per record. A "component" attribute is
// lifted out of the key=value list and shown as a [tag] before the message.
// Derived handlers share the parent's mutex and writer.
type colorHandler struct {
	mu        *sync.Mutex
	out       io.Writer
	level     slog.Level
	component string
	attrs     []slog.Attr
	groups    []string
}

var levelTags = map[slog.Level]struct {
	label string
	paint *color.Color
}{
	slog.LevelDebug: {"DBG", color.New(color.FgMagenta)},
	slog.LevelInfo:  {"INF", color.New(color.FgCyan)},
	slog.LevelWarn:  {"WRN", color.New(color.FgYellow)},
	slog.LevelError: {"ERR", color.New(color.FgRed, color.Bold)},
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var line strings.Builder

	line.WriteString(color.HiBlackString(r.Time.Format("15:04:05.000") + " "))
	if tag, ok := levelTags[r.Level]; ok {
		line.WriteString(tag.paint.Sprint(tag.label) + " ")
	} else {
		line.WriteString(r.Level.String() + " ")
	}

	component := h.component
	var rest []slog.Attr
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" && len(h.groups) == 0 {
			component = a.Value.String()
			return true
		}
		rest = append(rest, a)
		return true
	})
	if component != "" {
		line.WriteString(color.BlueString("[" + component + "] "))
	}
	line.WriteString(r.Message)

	for _, a := range h.attrs {
		writeAttr(&line, "", a)
	}
	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	for _, a := range rest {
		writeAttr(&line, prefix, a)
	}
	line.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, line.String())
	return err
}

func writeAttr(b *strings.Builder, prefix string, a slog.Attr) {
	v := a.Value.Resolve().String()
	if strings.ContainsAny(v, " \t\"=") {
		v = strconv.Quote(v)
	}
	b.WriteString(color.HiBlackString(" " + prefix + a.Key + "="))
	b.WriteString(v)
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = slices.Clip(h.attrs)
	for _, a := range attrs {
		if a.Key == "component" && len(h.groups) == 0 {
			next.component = a.Value.String()
			continue
		}
		next.attrs = append(next.attrs, a)
	}
	return &next
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.groups = append(slices.Clip(h.groups), name)
	return &next
}
