package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// msgWidth pads event names so attributes line up in a terminal.
const msgWidth = 28

// field is one flattened attribute; key already carries its group path.
type field struct {
	key string
	val slog.Value
}

// prettyHandler renders one aligned line per record for local development:
//
//	15:04:05.000 INFO  [bridge] bridge.dial.ok     7_ventas  url=ws://... (dialer.go:120)
//
// component and session_key are lifted out of the attribute list so a session's lines
// are easy to follow.
type prettyHandler struct {
	out    io.Writer
	level  slog.Leveler
	source bool
	color  bool
	mu     *sync.Mutex

	pre    []field
	prefix string
}

func newPrettyHandler(w io.Writer, opts *slog.HandlerOptions, color bool) slog.Handler {
	h := &prettyHandler{out: w, color: color, mu: &sync.Mutex{}, level: slog.LevelInfo}
	if opts != nil {
		if opts.Level != nil {
			h.level = opts.Level
		}
		h.source = opts.AddSource
	}
	return h
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	cp := *h
	cp.pre = append([]field(nil), h.pre...)
	for _, a := range attrs {
		cp.pre = flatten(cp.pre, h.prefix, a)
	}
	return &cp
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	name = strings.TrimSpace(name)
	if name == "" {
		return h
	}
	cp := *h
	cp.prefix = h.prefix + name + "."
	return &cp
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	fields := append([]field(nil), h.pre...)
	r.Attrs(func(a slog.Attr) bool {
		fields = flatten(fields, h.prefix, a)
		return true
	})

	var component, sessionKey string
	rest := fields[:0:0]
	for _, f := range fields {
		switch f.key {
		case "component":
			component = f.val.String()
		case "session_key":
			sessionKey = f.val.String()
		default:
			rest = append(rest, f)
		}
	}

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	var b strings.Builder
	b.WriteString(paint(ts.Format("15:04:05.000"), ansiDim, h.color))
	b.WriteByte(' ')
	b.WriteString(levelTag(r.Level, h.color))
	b.WriteByte(' ')
	if component != "" {
		b.WriteString(paint("["+component+"]", ansiMagenta, h.color))
		b.WriteByte(' ')
	}
	msg := r.Message
	if pad := msgWidth - len(msg); pad > 0 && len(rest) > 0 {
		msg += strings.Repeat(" ", pad)
	}
	b.WriteString(paint(msg, ansiBright, h.color))
	if sessionKey != "" {
		b.WriteByte(' ')
		b.WriteString(paint(sessionKey, ansiBright+ansiCyan, h.color))
	}

	for _, f := range rest {
		b.WriteByte(' ')
		b.WriteString(displayKey(f.key))
		b.WriteByte('=')
		b.WriteString(h.format(f))
	}

	if h.source && r.PC != 0 {
		frame, _ := runtime.CallersFrames([]uintptr{r.PC}).Next()
		if frame.File != "" {
			b.WriteByte(' ')
			b.WriteString(paint(fmt.Sprintf("(%s:%d)", filepath.Base(frame.File), frame.Line), ansiDim, h.color))
		}
	}
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, b.String())
	return err
}

// flatten appends a to dst, expanding groups into dotted keys.
func flatten(dst []field, prefix string, a slog.Attr) []field {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return dst
	}
	key := strings.TrimSpace(a.Key)

	if a.Value.Kind() == slog.KindGroup {
		// An unnamed group inlines its members.
		if key != "" {
			prefix += key + "."
		}
		for _, ga := range a.Value.Group() {
			dst = flatten(dst, prefix, ga)
		}
		return dst
	}
	if key == "" {
		return dst
	}
	return append(dst, field{key: prefix + key, val: a.Value})
}

func (h *prettyHandler) format(f field) string {
	v := f.val
	switch f.key {
	case "method":
		return colorizeHTTPMethod(strings.ToUpper(v.String()), h.color)
	case "path":
		return paint(v.String(), ansiCyan, h.color)
	case "status":
		if n, ok := valueToInt64(v); ok {
			return colorizeStatusCode(int(n), h.color)
		}
	case "status_class":
		return colorizeStatusClass(v.String(), h.color)
	case "duration_ms", "delay_ms", "elapsed_ms":
		if n, ok := valueToInt64(v); ok {
			return colorizeDurationMS(n, h.color)
		}
	case "result", "outcome":
		return colorizeResult(strings.ToLower(v.String()), h.color)
	case "state", "from", "to":
		return colorizeSessionState(v.String(), h.color)
	case "err":
		return paint(quoteIfNeeded(v.String()), ansiRed, h.color)
	}
	return quoteIfNeeded(plainValue(v))
}

func displayKey(k string) string {
	switch k {
	case "status_class":
		return "class"
	case "duration_ms":
		return "took"
	case "delay_ms":
		return "delay"
	case "elapsed_ms":
		return "elapsed"
	default:
		return k
	}
}

func plainValue(v slog.Value) string {
	switch v.Kind() {
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
		return v.Time().UTC().Format(time.RFC3339)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
		return fmt.Sprint(v.Any())
	default:
		return v.String()
	}
}

func quoteIfNeeded(s string) string {
	if s == "" {
		return `""`
	}
	if strings.ContainsAny(s, " \t\r\n\"=") {
		return strconv.Quote(s)
	}
	return s
}

// levelTag is fixed width so message columns align.
func levelTag(level slog.Level, color bool) string {
	switch {
	case level >= slog.LevelError:
		return paint("ERROR", ansiRed, color)
	case level >= slog.LevelWarn:
		return paint("WARN ", ansiYellow, color)
	case level < slog.LevelInfo:
		return paint("DEBUG", ansiMagenta, color)
	default:
		return paint("INFO ", ansiBlue, color)
	}
}
