package operations

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// LogEntry is one record kept by a RunLog.
type LogEntry struct {
	Time    time.Time              `json:"time"`
	Level   string                 `json:"level"`
	Message string                 `json:"message"`
	Attrs   map[string]interface{} `json:"attrs,omitempty"`
}

// RunLog is a slog.Handler scoped to a single run. It keeps every record it
// sees and forwards them to the process handler.
type RunLog struct {
	*runLogHandler
}

type runLogBuffer struct {
	mu      sync.Mutex
	entries []LogEntry
	limit   int
}

type runLogHandler struct {
	buf   *runLogBuffer
	next  slog.Handler
	attrs []slog.Attr
	group string
}

// NewRunLog creates a run log teeing to next. A nil next only records.
func NewRunLog(next slog.Handler, limit int) *RunLog {
	if limit <= 0 {
		limit = 1000
	}
	return &RunLog{&runLogHandler{buf: &runLogBuffer{limit: limit}, next: next}}
}

// Logger returns a logger writing through the run log.
func (l *RunLog) Logger() *slog.Logger {
	return slog.New(l.runLogHandler)
}

// Entries returns a copy of the recorded entries.
func (l *RunLog) Entries() []LogEntry {
	l.buf.mu.Lock()
	defer l.buf.mu.Unlock()
	out := make([]LogEntry, len(l.buf.entries))
	copy(out, l.buf.entries)
	return out
}

func (h *runLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if level >= slog.LevelInfo {
		return true
	}
	return h.next != nil && h.next.Enabled(ctx, level)
}

func (h *runLogHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelInfo {
		entry := LogEntry{
			Time:    r.Time,
			Level:   r.Level.String(),
			Message: r.Message,
			Attrs:   make(map[string]interface{}, len(h.attrs)+r.NumAttrs()),
		}
		for _, a := range h.attrs {
			entry.Attrs[h.key(a.Key)] = a.Value.Resolve().Any()
		}
		r.Attrs(func(a slog.Attr) bool {
			entry.Attrs[h.key(a.Key)] = a.Value.Resolve().Any()
			return true
		})

		h.buf.mu.Lock()
		if len(h.buf.entries) >= h.buf.limit {
			h.buf.entries = h.buf.entries[1:]
		}
		h.buf.entries = append(h.buf.entries, entry)
		h.buf.mu.Unlock()
	}

	if h.next != nil && h.next.Enabled(ctx, r.Level) {
		return h.next.Handle(ctx, r)
	}
	return nil
}

func (h *runLogHandler) key(k string) string {
	if h.group == "" {
		return k
	}
	return h.group + "." + k
}

func (h *runLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	if h.next != nil {
		clone.next = h.next.WithAttrs(attrs)
	}
	return &clone
}

func (h *runLogHandler) WithGroup(name string) slog.Handler {
	clone := *h
	clone.group = h.key(name)
	if h.next != nil {
		clone.next = h.next.WithGroup(name)
	}
	return &clone
}
