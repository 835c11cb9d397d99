package log

import (
	"context"
	"log/slog"
	"math"
	"strings"
)

// PositionMode controls how coordinates appear in log output.
type PositionMode string

const (
	// PositionsCoarse rounds coordinates to two decimals (roughly 1 km).
	PositionsCoarse PositionMode = "coarse"
	PositionsFull   PositionMode = "full"
	PositionsExact  PositionMode = "exact"
)

const redacted = "[REDACTED]"

var positionFields = map[string]struct{}{
	"lat":       {},
	"lon":       {},
	"lng":       {},
	"latitude":  {},
	"longitude": {},
}

// ParsePositionMode accepts the configuration spellings of a PositionMode.
func ParsePositionMode(raw string) (PositionMode, bool) {
	switch PositionMode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", PositionsCoarse:
		return PositionsCoarse, true
	case PositionsFull:
		return PositionsFull, true
	case PositionsExact, "off":
		return PositionsExact, true
	default:
		return "", false
	}
}

// PositionHandler rewrites coordinate attributes before they reach the inner
// handler. A traveller's exact trail never lands in a log file unless the
// mode is PositionsExact.
type PositionHandler struct {
	inner slog.Handler
	mode  PositionMode
}

func NewPositionHandler(inner slog.Handler, mode PositionMode) *PositionHandler {
	if mode == "" {
		mode = PositionsCoarse
	}
	return &PositionHandler{inner: inner, mode: mode}
}

func (h *PositionHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *PositionHandler) Handle(ctx context.Context, record slog.Record) (err error) {
	if h.mode == PositionsExact {
		return h.inner.Handle(ctx, record)
	}
	defer func() {
		if r := recover(); r != nil {
			fallback := slog.NewRecord(record.Time, slog.LevelError, "position handler panic recovered", record.PC)
			fallback.AddAttrs(slog.String("panic", redacted))
			err = h.inner.Handle(ctx, fallback)
		}
	}()

	out := slog.NewRecord(record.Time, record.Level, record.Message, record.PC)
	record.Attrs(func(attr slog.Attr) bool {
		out.AddAttrs(h.rewrite(attr))
		return true
	})
	return h.inner.Handle(ctx, out)
}

func (h *PositionHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	rewritten := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		rewritten = append(rewritten, h.rewrite(attr))
	}
	return &PositionHandler{inner: h.inner.WithAttrs(rewritten), mode: h.mode}
}

func (h *PositionHandler) WithGroup(name string) slog.Handler {
	return &PositionHandler{inner: h.inner.WithGroup(name), mode: h.mode}
}

func (h *PositionHandler) rewrite(attr slog.Attr) slog.Attr {
	if h.mode == PositionsExact {
		return attr
	}
	value := attr.Value.Resolve()

	if value.Kind() == slog.KindGroup {
		group := value.Group()
		nested := make([]slog.Attr, 0, len(group))
		for _, a := range group {
			nested = append(nested, h.rewrite(a))
		}
		return slog.Attr{Key: attr.Key, Value: slog.GroupValue(nested...)}
	}

	if _, ok := positionFields[strings.ToLower(attr.Key)]; !ok {
		return attr
	}
	if h.mode == PositionsFull {
		return slog.String(attr.Key, redacted)
	}

	var f float64
	switch value.Kind() {
	case slog.KindFloat64:
		f = value.Float64()
	case slog.KindInt64:
		f = float64(value.Int64())
	default:
		return slog.String(attr.Key, redacted)
	}
	return slog.Float64(attr.Key, math.Round(f*100)/100)
}
