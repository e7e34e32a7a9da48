package eventbus

import (
	"context"
	"log/slog"
)

// LogRecord is the data of a LogEntry event.
type LogRecord struct {
	Level     string         `json:"level"`
	Message   string         `json:"msg"`
	Component string         `json:"component,omitempty"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// SlogHandler wraps an slog.Handler and publishes each record to the bus as
// a LogEntry event.
type SlogHandler struct {
	inner slog.Handler
	bus   *Bus
	attrs []slog.Attr
	group string
}

// NewSlogHandler returns a handler that writes to inner and also publishes to bus.
func NewSlogHandler(inner slog.Handler, bus *Bus) *SlogHandler {
	return &SlogHandler{inner: inner, bus: bus}
}

// Enabled delegates to the inner handler.
func (h *SlogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle writes the record to the inner handler and publishes to the bus.
func (h *SlogHandler) Handle(ctx context.Context, r slog.Record) error {
	rec := LogRecord{
		Level:   r.Level.String(),
		Message: r.Message,
		Attrs:   make(map[string]any, r.NumAttrs()+len(h.attrs)),
	}
	add := func(a slog.Attr) {
		if a.Key == "component" {
			rec.Component = a.Value.String()
			return
		}
		v := a.Value.Resolve().Any()
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		rec.Attrs[a.Key] = v
	}
	for _, a := range h.attrs {
		add(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		add(qualify(h.group, a))
		return true
	})
	h.bus.PublishType(LogEntry, rec)

	return h.inner.Handle(ctx, r)
}

// WithAttrs returns a new handler with the given attributes.
func (h *SlogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	for _, a := range attrs {
		merged = append(merged, qualify(h.group, a))
	}
	return &SlogHandler{
		inner: h.inner.WithAttrs(attrs),
		bus:   h.bus,
		attrs: merged,
		group: h.group,
	}
}

// WithGroup returns a new handler with the given group.
func (h *SlogHandler) WithGroup(name string) slog.Handler {
	newGroup := name
	if h.group != "" {
		newGroup = h.group + "." + name
	}
	return &SlogHandler{
		inner: h.inner.WithGroup(name),
		bus:   h.bus,
		attrs: h.attrs,
		group: newGroup,
	}
}

// qualify prefixes the attr key with the open group. The component attr is
// kept bare so the dashboard can label lines by component.
func qualify(group string, a slog.Attr) slog.Attr {
	if group == "" || a.Key == "component" {
		return a
	}
	return slog.Attr{Key: group + "." + a.Key, Value: a.Value}
}
