package http

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/render"

	apierrors "lessonforge/internal/errors"
	"lessonforge/internal/middleware"
	"lessonforge/internal/stream"
)

// TracerName is the instrumentation scope of handler spans
const TracerName = "lessonforge.http"

// Options are shared by the handlers
type Options struct {
	Logger    *slog.Logger
	Errors    *apierrors.ErrorHandler
	Validator *middleware.Validator
	// KeepAlive is the interval between comment frames on event streams.
	KeepAlive time.Duration
	// RequestTimeout bounds non-streaming routes. Zero disables it.
	RequestTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Errors == nil {
		o.Errors = apierrors.NewErrorHandler(o.Logger, false)
	}
	if o.Validator == nil {
		o.Validator = middleware.NewValidator()
	}
	return o
}

// bounded applies the request timeout to routes that do not stream
func (o Options) bounded(next http.Handler) http.Handler {
	if o.RequestTimeout <= 0 {
		return next
	}
	return middleware.Timeout(o.RequestTimeout, o.Logger)(next)
}

// AckResponse acknowledges a command
type AckResponse struct {
	Status  string `json:"status"`
	ID      string `json:"id"`
	Message string `json:"message,omitempty"`
}

// ListResponse wraps a collection
type ListResponse struct {
	Items interface{} `json:"items"`
	Count int         `json:"count"`
}

func renderAck(w http.ResponseWriter, r *http.Request, status int, ack AckResponse) {
	render.Status(r, status)
	render.JSON(w, r, ack)
}

// eventStream is a stream.Sink that writes the SSE response headers on the
// first event. Until then the handler may still answer with a problem
// document.
type eventStream struct {
	w         http.ResponseWriter
	ctx       context.Context
	keepAlive time.Duration

	mu     sync.Mutex
	opened bool
	writer *stream.Writer
	err    error
	stop   context.CancelFunc
	done   chan struct{}
}

func newEventStream(w http.ResponseWriter, r *http.Request, keepAlive time.Duration) (*eventStream, error) {
	if _, ok := w.(http.Flusher); !ok {
		return nil, apierrors.ErrStreamUnsupported
	}
	return &eventStream{w: w, ctx: r.Context(), keepAlive: keepAlive}, nil
}

// Send implements stream.Sink
func (s *eventStream) Send(event string, payload interface{}) error {
	s.mu.Lock()
	if !s.opened {
		s.open()
	}
	writer, err := s.writer, s.err
	s.mu.Unlock()

	if err != nil {
		return err
	}
	return writer.Send(event, payload)
}

func (s *eventStream) open() {
	s.opened = true
	s.writer, s.err = stream.NewWriter(s.w)
	if s.err != nil || s.keepAlive <= 0 {
		return
	}
	ctx, stop := context.WithCancel(s.ctx)
	s.stop = stop
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		s.writer.KeepAlive(ctx, s.keepAlive)
	}()
}

// close ends the keep-alive and reports whether the stream was opened and
// whether a write failed
func (s *eventStream) close() (opened bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		s.stop()
		<-s.done
		s.stop = nil
	}
	if s.writer != nil {
		err = s.writer.Err()
	}
	if err == nil {
		err = s.err
	}
	return s.opened, err
}
