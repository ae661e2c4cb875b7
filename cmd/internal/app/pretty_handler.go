package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	ansiReset   = "\x1b[0m"
	ansiBright  = "\x1b[1m"
	ansiDim     = "\x1b[2m"
	ansiRed     = "\x1b[31m"
	ansiGreen   = "\x1b[32m"
	ansiYellow  = "\x1b[33m"
	ansiBlue    = "\x1b[34m"
	ansiMagenta = "\x1b[35m"
	ansiCyan    = "\x1b[36m"
)

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// prettyHandler renders one key=value line per record for local development.
type prettyHandler struct {
	w      io.Writer
	opts   slog.HandlerOptions
	attrs  []slog.Attr
	groups []string
	color  bool
	mu     *sync.Mutex
}

func newPrettyHandler(w io.Writer, opts *slog.HandlerOptions, color bool) slog.Handler {
	h := &prettyHandler{
		w:     w,
		color: color,
		mu:    &sync.Mutex{},
	}
	if opts != nil {
		h.opts = *opts
	}
	return h
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	b.WriteString(h.paint(ansiDim, ts.Format("15:04:05.000")))
	b.WriteByte(' ')
	b.WriteString(levelTag(r.Level, h.color))
	b.WriteByte(' ')
	b.WriteString(h.paint(ansiBright, r.Message))

	if h.opts.AddSource && r.PC != 0 {
		frames := runtime.CallersFrames([]uintptr{r.PC})
		frame, _ := frames.Next()
		if frame.File != "" {
			b.WriteString(" src=")
			b.WriteString(h.paint(ansiDim, fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line)))
		}
	}

	for _, a := range h.attrs {
		h.appendAttr(&b, a, "")
	}
	r.Attrs(func(a slog.Attr) bool {
		h.appendAttr(&b, a, "")
		return true
	})

	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &cp
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	if strings.TrimSpace(name) == "" {
		return h
	}
	cp := *h
	cp.groups = append(append([]string{}, h.groups...), name)
	return &cp
}

func (h *prettyHandler) appendAttr(b *strings.Builder, a slog.Attr, parent string) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}

	key := strings.TrimSpace(a.Key)
	if key == "" {
		return
	}
	if parent != "" {
		key = parent + "." + key
	}

	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			h.appendAttr(b, ga, key)
		}
		return
	}

	fullKey := key
	if len(h.groups) > 0 {
		fullKey = strings.Join(h.groups, ".") + "." + key
	}

	b.WriteByte(' ')
	b.WriteString(fullKey)
	b.WriteByte('=')
	b.WriteString(h.prettyValue(key, a.Value))
}

// prettyValue highlights the fields operators scan for during an incident.
func (h *prettyHandler) prettyValue(key string, v slog.Value) string {
	plain := quoteIfNeeded(valueToString(v))

	switch key {
	case "alert_id", "session_id", "uid":
		return h.paint(ansiCyan, plain)
	case "status":
		if v.Kind() == slog.KindInt64 {
			return h.paint(statusColor(int(v.Int64())), plain)
		}
		return h.paint(ansiBright, plain)
	case "err", "error", "code":
		return h.paint(ansiRed, plain)
	case "result":
		switch strings.ToLower(v.String()) {
		case "success", "ok", "created":
			return h.paint(ansiGreen, plain)
		case "client_error", "retry":
			return h.paint(ansiYellow, plain)
		case "server_error", "failed", "fail":
			return h.paint(ansiRed, plain)
		}
	}
	return plain
}

func (h *prettyHandler) paint(code, s string) string {
	if !h.color {
		return s
	}
	return code + s + ansiReset
}

func statusColor(code int) string {
	switch {
	case code >= 500:
		return ansiRed
	case code >= 400:
		return ansiYellow
	case code >= 300:
		return ansiCyan
	default:
		return ansiGreen
	}
}

func valueToString(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
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
		return fmt.Sprint(v.Any())
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

func levelTag(level slog.Level, color bool) string {
	tag, code := "[INFO]", ansiBlue
	switch {
	case level >= slog.LevelError:
		tag, code = "[ERROR]", ansiRed
	case level >= slog.LevelWarn:
		tag, code = "[WARN]", ansiYellow
	case level < slog.LevelInfo:
		tag, code = "[DEBUG]", ansiMagenta
	}
	if !color {
		return tag
	}
	return code + tag + ansiReset
}

func stripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}
