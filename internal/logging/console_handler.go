package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// consoleHandler writes one line per record:
//
//	2026-01-02T15:04:05Z INFO scheduler: installed source_id=7
//
// The component attribute becomes the line prefix that logs tail filters on.
// Attributes bound with WithAttrs are rendered once and reused.
type consoleHandler struct {
	out       *lockedWriter
	level     slog.Leveler
	addSource bool

	component string
	bound     string
	keyPrefix string
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) write(p []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.w.Write(p)
	return err
}

func newConsoleHandler(w io.Writer, level slog.Leveler, addSource bool) slog.Handler {
	return &consoleHandler{out: &lockedWriter{w: w}, level: level, addSource: addSource}
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *consoleHandler) Handle(_ context.Context, record slog.Record) error {
	ts := record.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	component := h.component
	var fields strings.Builder
	fields.WriteString(h.bound)
	record.Attrs(func(attr slog.Attr) bool {
		if c, ok := componentOf(attr, h.keyPrefix); ok {
			if component == "" {
				component = c
			}
			return true
		}
		writeAttr(&fields, h.keyPrefix, attr)
		return true
	})

	var line strings.Builder
	line.Grow(96 + fields.Len())
	line.WriteString(ts.UTC().Format(time.RFC3339))
	line.WriteByte(' ')
	line.WriteString(levelName(record.Level))
	line.WriteByte(' ')
	if component != "" {
		line.WriteString(component)
		line.WriteString(": ")
	}
	msg := strings.TrimSpace(record.Message)
	if msg == "" {
		msg = "(no message)"
	}
	line.WriteString(msg)
	if h.addSource && record.PC != 0 {
		if src := record.Source(); src != nil && src.File != "" {
			fmt.Fprintf(&line, " [%s:%d]", filepath.Base(src.File), src.Line)
		}
	}
	line.WriteString(fields.String())
	line.WriteByte('\n')
	return h.out.write([]byte(line.String()))
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	next := *h
	var fields strings.Builder
	fields.WriteString(h.bound)
	for _, attr := range attrs {
		if c, ok := componentOf(attr, h.keyPrefix); ok {
			next.component = c
			continue
		}
		writeAttr(&fields, h.keyPrefix, attr)
	}
	next.bound = fields.String()
	return &next
}

func (h *consoleHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.keyPrefix = h.keyPrefix + name + "."
	return &next
}

// componentOf reports the value of a top-level component attribute.
func componentOf(attr slog.Attr, prefix string) (string, bool) {
	if prefix != "" || attr.Key != FieldComponent {
		return "", false
	}
	v := attr.Value.Resolve()
	if v.Kind() == slog.KindString {
		return v.String(), true
	}
	return fmt.Sprint(v.Any()), true
}

func writeAttr(b *strings.Builder, prefix string, attr slog.Attr) {
	v := attr.Value.Resolve()
	if attr.Key == "" && v.Kind() != slog.KindGroup {
		return
	}
	if v.Kind() == slog.KindGroup {
		inner := prefix
		if attr.Key != "" {
			inner = prefix + attr.Key + "."
		}
		for _, a := range v.Group() {
			writeAttr(b, inner, a)
		}
		return
	}
	b.WriteByte(' ')
	b.WriteString(prefix)
	b.WriteString(attr.Key)
	b.WriteByte('=')
	b.WriteString(renderValue(v))
}

func renderValue(v slog.Value) string {
	var s string
	switch v.Kind() {
	case slog.KindString:
		s = v.String()
	case slog.KindTime:
		return v.Time().UTC().Format(time.RFC3339)
	case slog.KindDuration, slog.KindBool, slog.KindInt64, slog.KindUint64, slog.KindFloat64:
		return v.String()
	default:
		if err, ok := v.Any().(error); ok {
			s = err.Error()
		} else {
			s = fmt.Sprint(v.Any())
		}
	}
	if s == "" || strings.ContainsFunc(s, func(r rune) bool { return r <= ' ' || r == '=' || r == '"' }) {
		return strconv.Quote(s)
	}
	return s
}

func levelName(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "ERROR"
	case level >= slog.LevelWarn:
		return "WARN"
	case level >= slog.LevelInfo:
		return "INFO"
	}
	return "DEBUG"
}
