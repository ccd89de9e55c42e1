package log

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

// PrettyHandler is a slog.Handler writing one colored line per record,
// meant for local development.
type PrettyHandler struct {
	groups []string
	attrs  []slog.Attr
	opts   slog.HandlerOptions

	mu  *sync.Mutex
	out io.Writer
}

var (
	_ slog.Handler = (*PrettyHandler)(nil)

	levelTags = map[slog.Level]string{
		slog.LevelDebug: color.New(color.FgWhite, color.Bold).Sprint("DEBUG"),
		slog.LevelInfo:  color.New(color.FgBlue, color.Bold).Sprint("INFO"),
		slog.LevelWarn:  color.New(color.FgYellow, color.Bold).Sprint("WARN"),
		slog.LevelError: color.New(color.FgRed, color.Bold).Sprint("ERROR"),
	}

	bufPool = sync.Pool{
		New: func() any { return &bytes.Buffer{} },
	}
)

// NewPrettyHandler returns a PrettyHandler writing to out. A nil opts
// behaves like the zero slog.HandlerOptions.
func NewPrettyHandler(out io.Writer, opts *slog.HandlerOptions) *PrettyHandler {
	h := &PrettyHandler{out: out, mu: &sync.Mutex{}}
	if opts != nil {
		h.opts = *opts
	}

	return h
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	threshold := slog.LevelInfo
	if h.opts.Level != nil {
		threshold = h.opts.Level.Level()
	}

	return level >= threshold
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	bf := bufPool.Get().(*bytes.Buffer)
	bf.Reset()
	defer bufPool.Put(bf)

	bf.WriteString(color.New(color.Faint).Sprint(r.Time.Format(time.RFC3339)))
	bf.WriteByte(' ')

	tag, ok := levelTags[r.Level]
	if !ok {
		tag = r.Level.String()
	}
	bf.WriteString(tag)
	bf.WriteByte(' ')

	var (
		name  string
		attrs = append([]slog.Attr{}, h.attrs...)
	)

	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "name" {
			name = a.Value.String()
			return true
		}
		attrs = append(attrs, a)
		return true
	})

	if name != "" {
		bf.WriteString(color.New(color.Faint, color.Bold).Sprint(name))
		bf.WriteByte(' ')
	}

	bf.WriteString(color.New(color.FgHiWhite).Sprint(r.Message))

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}

	for _, a := range attrs {
		key := prefix + a.Key
		keyColor := color.New(color.Faint)
		if strings.Contains(a.Key, "err") {
			keyColor = color.New(color.FgRed)
		}

		fmt.Fprintf(bf, " %s%s", keyColor.Sprintf("%s=", key), a.Value.String())
	}

	bf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()

	_, err := h.out.Write(bf.Bytes())
	return err
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	h2 := *h
	h2.groups = append(append([]string{}, h.groups...), name)
	return &h2
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h2 := *h
	h2.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &h2
}
