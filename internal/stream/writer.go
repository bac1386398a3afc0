package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ErrStreamUnsupported is returned when the response writer cannot flush.
var ErrStreamUnsupported = errors.New("streaming unsupported")

// Writer writes frames to an HTTP response. Send is safe for concurrent use.
// After the first write failure (usually a disconnected observer) every
// further call returns that error without touching the connection.
type Writer struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	err     error
}

// NewWriter prepares w for event streaming and flushes the headers.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamUnsupported
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &Writer{w: w, flusher: flusher}, nil
}

// Send encodes payload as JSON and writes one frame.
func (s *Writer) Send(event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", event, err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "event: %s\n", event)
	for _, line := range strings.Split(string(data), "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")

	return s.write(b.String())
}

// Comment writes a comment frame, used as a keep-alive.
func (s *Writer) Comment(text string) error {
	return s.write(": " + text + "\n\n")
}

// KeepAlive writes a comment every interval until ctx is done or a write fails.
func (s *Writer) KeepAlive(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Comment("keep-alive"); err != nil {
				return
			}
		}
	}
}

// Err returns the first write error, if any.
func (s *Writer) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Writer) write(frame string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}
	if _, err := io.WriteString(s.w, frame); err != nil {
		s.err = err
		return err
	}
	s.flusher.Flush()
	return nil
}
