package telemetry

import (
	"context"
	"io"
	"log/slog"
)

// SlogHandler writes records to a text handler and queues Info and above
// for the collector.
type SlogHandler struct {
	text  slog.Handler
	attrs []slog.Attr
	group string
}

// NewSlogHandler returns a handler writing text to w, typically the serial
// console.
func NewSlogHandler(w io.Writer, opts *slog.HandlerOptions) *SlogHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &SlogHandler{text: slog.NewTextHandler(w, opts)}
}

func (h *SlogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.text.Enabled(ctx, level)
}

func (h *SlogHandler) Handle(ctx context.Context, r slog.Record) error {
	err := h.text.Handle(ctx, r)
	if r.Level >= slog.LevelInfo {
		var buf [128]byte
		n := formatRecord(buf[:], h.group, h.attrs, r)
		Log(severityOf(r.Level), string(buf[:n]))
	}
	return err
}

func (h *SlogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &SlogHandler{text: h.text.WithAttrs(attrs), attrs: merged, group: h.group}
}

func (h *SlogHandler) WithGroup(name string) slog.Handler {
	group := name
	if h.group != "" {
		group = h.group + "." + name
	}
	return &SlogHandler{text: h.text.WithGroup(name), attrs: h.attrs, group: group}
}

func severityOf(level slog.Level) uint8 {
	switch {
	case level >= slog.LevelError:
		return SeverityError
	case level >= slog.LevelWarn:
		return SeverityWarn
	case level >= slog.LevelInfo:
		return SeverityInfo
	default:
		return SeverityDebug
	}
}

// formatRecord renders "group:msg k=v ..." into buf, keeping at most four
// attributes, and returns the length written.
func formatRecord(buf []byte, group string, attrs []slog.Attr, r slog.Record) int {
	pos := 0
	if group != "" {
		pos = appendStr(buf, pos, group)
		pos = appendStr(buf, pos, ":")
	}
	pos = appendStr(buf, pos, r.Message)

	count := 0
	add := func(a slog.Attr) bool {
		if count >= 4 || pos >= len(buf)-10 {
			return false
		}
		pos = appendStr(buf, pos, " ")
		pos = appendStr(buf, pos, a.Key)
		pos = appendStr(buf, pos, "=")
		pos = appendValue(buf, pos, a.Value)
		count++
		return true
	}
	for _, a := range attrs {
		if !add(a) {
			break
		}
	}
	r.Attrs(add)
	return pos
}

func appendStr(buf []byte, pos int, s string) int {
	return pos + copy(buf[pos:], s)
}

func appendValue(buf []byte, pos int, v slog.Value) int {
	switch v.Kind() {
	case slog.KindString:
		return appendStr(buf, pos, v.String())
	case slog.KindInt64:
		return appendInt(buf, pos, v.Int64())
	case slog.KindUint64:
		return appendUint(buf, pos, v.Uint64())
	case slog.KindBool:
		if v.Bool() {
			return appendStr(buf, pos, "true")
		}
		return appendStr(buf, pos, "false")
	case slog.KindDuration:
		return appendDuration(buf, pos, int64(v.Duration()))
	case slog.KindFloat64:
		return appendInt(buf, pos, int64(v.Float64()))
	default:
		return appendStr(buf, pos, "?")
	}
}

func appendInt(buf []byte, pos int, n int64) int {
	if n < 0 {
		pos = appendStr(buf, pos, "-")
		return appendUint(buf, pos, uint64(-n))
	}
	return appendUint(buf, pos, uint64(n))
}

func appendUint(buf []byte, pos int, n uint64) int {
	var digits [20]byte
	i := len(digits)
	for {
		i--
		digits[i] = byte('0' + n%10)
		n /= 10
		if n == 0 {
			break
		}
	}
	return pos + copy(buf[pos:], digits[i:])
}

// appendDuration writes d in its largest whole unit, e.g. "5s" or "100ms".
func appendDuration(buf []byte, pos int, d int64) int {
	switch {
	case d >= 1e9:
		return appendStr(buf, appendInt(buf, pos, d/1e9), "s")
	case d >= 1e6:
		return appendStr(buf, appendInt(buf, pos, d/1e6), "ms")
	case d >= 1e3:
		return appendStr(buf, appendInt(buf, pos, d/1e3), "us")
	}
	return appendStr(buf, appendInt(buf, pos, d), "ns")
}
