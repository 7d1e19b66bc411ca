// Package logging builds the slog loggers used by the bot binaries.
package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Log formats accepted by New.
const (
	FormatText   = "text"
	FormatJSON   = "json"
	FormatPretty = "pretty"
)

// New returns a logger writing to w in the given format.
func New(w io.Writer, format string, level slog.Leveler) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(format) {
	case "", FormatText:
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case FormatJSON:
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case FormatPretty:
		return slog.New(NewPrettyJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

// PrettyJSONHandler writes each record as an indented JSON object. Keys keep
// the order they were logged in, with time, level and msg first, which makes
// training reports readable when tailing a terminal.
//
// Not optimised for throughput.
type PrettyJSONHandler struct {
	w         io.Writer
	mu        *sync.Mutex
	level     slog.Leveler
	addSource bool

	// prefix holds attrs added via WithAttrs, already qualified by the
	// groups open at the time.
	prefix []field
	groups []string
}

type field struct {
	path  []string
	value slog.Value
}

func NewPrettyJSONHandler(w io.Writer, opts *slog.HandlerOptions) slog.Handler {
	h := &PrettyJSONHandler{w: w, mu: &sync.Mutex{}, level: slog.LevelInfo}
	if opts != nil {
		if opts.Level != nil {
			h.level = opts.Level
		}
		h.addSource = opts.AddSource
	}
	return h
}

func (h *PrettyJSONHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *PrettyJSONHandler) Handle(_ context.Context, r slog.Record) error {
	when := r.Time
	if when.IsZero() {
		when = time.Now()
	}

	root := &object{}
	root.set([]string{"time"}, when.Format(time.RFC3339Nano))
	root.set([]string{"level"}, r.Level.String())
	root.set([]string{"msg"}, r.Message)
	if h.addSource {
		if src := sourceFromPC(r.PC); src != "" {
			root.set([]string{"source"}, src)
		}
	}
	for _, f := range h.prefix {
		root.setValue(f.path, f.value)
	}
	r.Attrs(func(a slog.Attr) bool {
		root.setAttr(h.groups, a)
		return true
	})

	var buf bytes.Buffer
	root.write(&buf, "")
	buf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf.Bytes())
	return err
}

func (h *PrettyJSONHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.prefix = append([]field(nil), h.prefix...)
	for _, a := range attrs {
		if a.Key == "" {
			continue
		}
		clone.prefix = append(clone.prefix, field{path: appendPath(h.groups, a.Key), value: a.Value})
	}
	return &clone
}

func (h *PrettyJSONHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.groups = appendPath(h.groups, name)
	return &clone
}

func appendPath(path []string, key string) []string {
	out := make([]string, len(path), len(path)+1)
	copy(out, path)
	return append(out, key)
}

// object is a JSON object that remembers key insertion order.
type object struct {
	keys   []string
	values map[string]any
}

func (o *object) child(key string) *object {
	if o.values == nil {
		o.values = map[string]any{}
	}
	if c, ok := o.values[key].(*object); ok {
		return c
	}
	c := &object{}
	o.put(key, c)
	return c
}

func (o *object) put(key string, v any) {
	if o.values == nil {
		o.values = map[string]any{}
	}
	if _, ok := o.values[key]; !ok {
		o.keys = append(o.keys, key)
	}
	o.values[key] = v
}

func (o *object) set(path []string, v any) {
	dst := o
	for _, p := range path[:len(path)-1] {
		dst = dst.child(p)
	}
	dst.put(path[len(path)-1], v)
}

func (o *object) setValue(path []string, v slog.Value) {
	v = v.Resolve()
	if v.Kind() != slog.KindGroup {
		o.set(path, valueToAny(v))
		return
	}
	for _, ga := range v.Group() {
		if ga.Key == "" {
			continue
		}
		o.setValue(appendPath(path, ga.Key), ga.Value)
	}
}

func (o *object) setAttr(groups []string, a slog.Attr) {
	if a.Key == "" {
		return
	}
	o.setValue(appendPath(groups, a.Key), a.Value)
}

func (o *object) write(buf *bytes.Buffer, indent string) {
	if len(o.keys) == 0 {
		buf.WriteString("{}")
		return
	}
	inner := indent + "  "
	buf.WriteString("{\n")
	for i, k := range o.keys {
		buf.WriteString(inner)
		buf.WriteString(strconv.Quote(k))
		buf.WriteString(": ")
		switch v := o.values[k].(type) {
		case *object:
			v.write(buf, inner)
		default:
			b, err := json.Marshal(v)
			if err != nil {
				b = []byte(strconv.Quote(fmt.Sprint(v)))
			}
			buf.Write(b)
		}
		if i < len(o.keys)-1 {
			buf.WriteByte(',')
		}
		buf.WriteByte('\n')
	}
	buf.WriteString(indent)
	buf.WriteByte('}')
}

func valueToAny(v slog.Value) any {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return v.Int64()
	case slog.KindUint64:
		return v.Uint64()
	case slog.KindFloat64:
		return v.Float64()
	case slog.KindBool:
		return v.Bool()
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339Nano)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
		return v.Any()
	default:
		return v.String()
	}
}

func sourceFromPC(pc uintptr) string {
	if pc == 0 {
		return ""
	}
	frames := runtime.CallersFrames([]uintptr{pc})
	f, _ := frames.Next()
	if f.File == "" {
		return ""
	}
	file := f.File
	if idx := strings.LastIndexByte(file, '/'); idx >= 0 {
		file = file[idx+1:]
	}
	return file + ":" + strconv.Itoa(f.Line)
}
