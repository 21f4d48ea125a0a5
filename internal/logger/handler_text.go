package logger

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

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
)

// consoleHandler is the slog.Handler behind the "text" log format:
// one line per record, millisecond timestamps, key=value attributes
// with group prefixes applied. Relay operators read these lines while
// tailing an instance, so error values are painted red to stand out
// among progress chatter.
type consoleHandler struct {
	level    slog.Leveler
	w        io.Writer
	mu       *sync.Mutex
	prefix   string
	prebaked []byte
	useColor bool
}

// NewConsoleHandler creates the line-oriented console handler. A nil
// opts defaults the level to Info.
func NewConsoleHandler(w io.Writer, opts *slog.HandlerOptions, useColor bool) slog.Handler {
	var level slog.Leveler
	if opts != nil {
		level = opts.Level
	}
	return &consoleHandler{
		level:    level,
		w:        w,
		mu:       &sync.Mutex{},
		useColor: useColor,
	}
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	min := slog.LevelInfo
	if h.level != nil {
		min = h.level.Level()
	}
	return level >= min
}

func (h *consoleHandler) Handle(_ context.Context, r slog.Record) error {
	// Format outside the lock; only the write is serialized.
	buf := make([]byte, 0, 256)
	buf = r.Time.AppendFormat(buf, "15:04:05.000")
	buf = append(buf, ' ')
	buf = h.appendLevel(buf, r.Level)
	buf = append(buf, ' ')
	buf = append(buf, r.Message...)
	buf = append(buf, h.prebaked...)
	r.Attrs(func(a slog.Attr) bool {
		buf = h.appendAttr(buf, h.prefix, a)
		return true
	})
	buf = append(buf, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf)
	return err
}

// appendLevel writes a fixed-width level tag so the message column
// lines up across records.
func (h *consoleHandler) appendLevel(buf []byte, level slog.Level) []byte {
	var tag, color string
	switch {
	case level < slog.LevelInfo:
		tag, color = "DEBUG", colorGray
	case level < slog.LevelWarn:
		tag, color = "INFO ", colorGreen
	case level < slog.LevelError:
		tag, color = "WARN ", colorYellow
	default:
		tag, color = "ERROR", colorRed
	}
	if h.useColor {
		buf = append(buf, color...)
		buf = append(buf, tag...)
		return append(buf, colorReset...)
	}
	return append(buf, tag...)
}

func (h *consoleHandler) appendAttr(buf []byte, prefix string, a slog.Attr) []byte {
	if a.Equal(slog.Attr{}) {
		return buf
	}
	a.Value = a.Value.Resolve()

	// Inline groups prefix their children instead of nesting.
	if a.Value.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p = prefix + a.Key + "."
		}
		for _, child := range a.Value.Group() {
			buf = h.appendAttr(buf, p, child)
		}
		return buf
	}

	key := prefix + a.Key
	val := renderValue(a.Value)
	switch {
	case h.useColor && key == KeyError:
		buf = fmt.Appendf(buf, " %s%s%s=%s%s%s", colorCyan, key, colorReset, colorRed, val, colorReset)
	case h.useColor:
		buf = fmt.Appendf(buf, " %s%s%s=%s", colorCyan, key, colorReset, val)
	default:
		buf = fmt.Appendf(buf, " %s=%s", key, val)
	}
	return buf
}

// renderValue formats a value for the console line, quoting anything
// that would break the key=value grammar.
func renderValue(v slog.Value) string {
	var s string
	switch v.Kind() {
	case slog.KindString:
		s = v.String()
	case slog.KindInt64:
		return strconv.FormatInt(v.Int64(), 10)
	case slog.KindUint64:
		return strconv.FormatUint(v.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'f', -1, 64)
	case slog.KindBool:
		return strconv.FormatBool(v.Bool())
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	default:
		s = fmt.Sprintf("%v", v.Any())
	}
	if s == "" || strings.ContainsAny(s, " =\"\n") {
		return strconv.Quote(s)
	}
	return s
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	// Bound attrs render once here, not on every record.
	clone := *h
	clone.prebaked = append([]byte{}, h.prebaked...)
	for _, a := range attrs {
		clone.prebaked = h.appendAttr(clone.prebaked, h.prefix, a)
	}
	return &clone
}

func (h *consoleHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.prefix = h.prefix + name + "."
	return &clone
}
