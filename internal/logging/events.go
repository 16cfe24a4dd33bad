package logging

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// Entry is a flattened log record delivered to an event sink.
type Entry struct {
	Time      time.Time
	Level     slog.Level
	Component string
	Message   string
	Attrs     map[string]string
}

// EventHandler forwards records to a sink function, typically a build's event
// channel. The sink must not block.
type EventHandler struct {
	sink   func(Entry)
	level  slog.Leveler
	attrs  []slog.Attr
	groups []string
}

// NewEventHandler returns a handler delivering records at or above level to sink.
func NewEventHandler(level slog.Leveler, sink func(Entry)) *EventHandler {
	return &EventHandler{sink: sink, level: level}
}

func (h *EventHandler) Enabled(_ context.Context, level slog.Level) bool {
	return h.sink != nil && level >= currentLevel(h.level)
}

func (h *EventHandler) Handle(_ context.Context, record slog.Record) error {
	entry := Entry{
		Time:    record.Time,
		Level:   record.Level,
		Message: record.Message,
		Attrs:   make(map[string]string, len(h.attrs)+record.NumAttrs()),
	}
	add := func(attr slog.Attr) bool {
		if attr.Key == ComponentKey && len(h.groups) == 0 {
			entry.Component = attr.Value.String()
			return true
		}
		flatten(entry.Attrs, h.groups, attr)
		return true
	}
	for _, attr := range h.attrs {
		add(attr)
	}
	record.Attrs(add)
	h.sink(entry)
	return nil
}

func (h *EventHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &clone
}

func (h *EventHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.groups = append(append([]string(nil), h.groups...), name)
	return &clone
}

func flatten(out map[string]string, groups []string, attr slog.Attr) {
	value := resolveValue(attr.Value)
	if value.Kind() == slog.KindGroup {
		nested := append(append([]string(nil), groups...), attr.Key)
		for _, a := range value.Group() {
			flatten(out, nested, a)
		}
		return
	}
	key := attr.Key
	if len(groups) > 0 {
		key = strings.Join(append(append([]string(nil), groups...), key), ".")
	}
	out[key] = formatValue(value)
}

// Tee fans records out to every handler that accepts them.
func Tee(handlers ...slog.Handler) slog.Handler {
	return teeHandler(handlers)
}

type teeHandler []slog.Handler

func (t teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (t teeHandler) Handle(ctx context.Context, record slog.Record) error {
	var first error
	for _, h := range t {
		if !h.Enabled(ctx, record.Level) {
			continue
		}
		if err := h.Handle(ctx, record.Clone()); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithGroup(name)
	}
	return out
}
