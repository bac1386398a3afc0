package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"lessonforge/internal/config"
	"lessonforge/internal/operations"
	"lessonforge/internal/stream"
)

// RunLessonRequest starts a single-lesson pipeline
type RunLessonRequest struct {
	RunID  string       `json:"runId" validate:"required,identifier"`
	Mode   string       `json:"mode" validate:"omitempty,oneof=parallel sequential"`
	Input  LessonInput  `json:"input"`
	Config LessonConfig `json:"config"`
}

// LessonInput is the lesson record to generate from
type LessonInput struct {
	Title   string `json:"title" validate:"required_without=Content,max=500"`
	Content string `json:"content" validate:"required_without=Title,max=100000"`
	Date    string `json:"date" validate:"max=64"`
	Notes   string `json:"notes" validate:"max=10000"`
}

// LessonConfig overrides the configured generation defaults for one run
type LessonConfig struct {
	Model      string `json:"model" validate:"max=128"`
	Template   string `json:"template" validate:"max=128"`
	OutputPath string `json:"outputPath" validate:"max=512"`
}

// LessonsHandler serves /api/lessons
type LessonsHandler struct {
	service    LessonService
	generation config.GenerationConfig
	opts       Options
	logger     *slog.Logger
	tracer     trace.Tracer
}

// NewLessonsHandler creates a lessons handler. generation supplies the
// defaults captured into each run's snapshot.
func NewLessonsHandler(service LessonService, generation config.GenerationConfig, opts Options) *LessonsHandler {
	opts = opts.withDefaults()
	return &LessonsHandler{
		service:    service,
		generation: generation,
		opts:       opts,
		logger:     opts.Logger.With(slog.String("handler", "lessons")),
		tracer:     otel.Tracer(TracerName),
	}
}

// Routes returns the lessons router. Run and stage retry stream events and
// are not bounded by the request timeout.
func (h *LessonsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/run", h.Run)
	r.Post("/{runId}/stages/{stage}/retry", h.RetryStage)

	r.Group(func(r chi.Router) {
		r.Use(h.opts.bounded)
		r.Get("/", h.List)
		r.Get("/{runId}", h.Get)
		r.Get("/{runId}/logs", h.Logs)
		r.Post("/{runId}/stages/{stage}/skip", h.SkipStage)
		r.Post("/{runId}/cancel", h.Cancel)
	})
	return r
}

// Run handles POST /api/lessons/run
func (h *LessonsHandler) Run(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "lessons.run")
	defer span.End()
	r = r.WithContext(ctx)

	var req RunLessonRequest
	if err := h.opts.Validator.Bind(r, &req); err != nil {
		span.RecordError(err)
		h.opts.Errors.HandleError(w, r, err)
		return
	}
	span.SetAttributes(
		attribute.String("lesson.run_id", req.RunID),
		attribute.String("lesson.mode", req.Mode),
	)

	sink, err := newEventStream(w, r, h.opts.KeepAlive)
	if err != nil {
		h.opts.Errors.HandleError(w, r, err)
		return
	}

	run := operations.RunRequest{
		RunID: req.RunID,
		Mode:  operations.ExecutionMode(req.Mode),
		Input: operations.Input{
			Title:   req.Input.Title,
			Content: req.Input.Content,
			Date:    req.Input.Date,
			Notes:   req.Input.Notes,
		},
		Snapshot: operations.NewSnapshot(h.generation, operations.SnapshotOverrides{
			Model:      req.Config.Model,
			Template:   req.Config.Template,
			OutputPath: req.Config.OutputPath,
		}),
	}
	result, err := h.service.Execute(context.WithoutCancel(ctx), run, sink)
	h.finishStream(w, r, sink, span, err)
	if result != nil {
		h.logger.InfoContext(ctx, "lesson_run_finished",
			slog.String("run_id", result.RunID),
			slog.String("status", string(result.Status)))
	}
}

// RetryStage handles POST /api/lessons/{runId}/stages/{stage}/retry
func (h *LessonsHandler) RetryStage(w http.ResponseWriter, r *http.Request) {
	runID, stage := chi.URLParam(r, "runId"), chi.URLParam(r, "stage")
	ctx, span := h.tracer.Start(r.Context(), "lessons.retry_stage", trace.WithAttributes(
		attribute.String("lesson.run_id", runID),
		attribute.String("lesson.stage", stage),
	))
	defer span.End()
	r = r.WithContext(ctx)

	sink, err := newEventStream(w, r, h.opts.KeepAlive)
	if err != nil {
		h.opts.Errors.HandleError(w, r, err)
		return
	}
	result, err := h.service.RetryStage(context.WithoutCancel(ctx), runID, stage, sink)
	h.finishStream(w, r, sink, span, err)
	if result != nil {
		h.logger.InfoContext(ctx, "lesson_stage_retried",
			slog.String("run_id", runID),
			slog.String("stage", stage),
			slog.String("status", string(result.Status)))
	}
}

// finishStream closes an event stream after the run returned. A run that was
// rejected before emitting anything is answered with a problem document; one
// rejected after the stream opened gets a terminal error event.
func (h *LessonsHandler) finishStream(w http.ResponseWriter, r *http.Request, sink *eventStream, span trace.Span, runErr error) {
	opened, streamErr := sink.close()
	if runErr != nil {
		span.RecordError(runErr)
		if !opened {
			h.opts.Errors.HandleError(w, r, runErr)
			return
		}
		_ = sink.Send(stream.EventError, operations.ErrorEvent{Message: runErr.Error()})
	}
	if streamErr != nil {
		h.logger.InfoContext(r.Context(), "observer_disconnected",
			slog.String("path", r.URL.Path),
			slog.String("error", streamErr.Error()))
	}
}

// Get handles GET /api/lessons/{runId}
func (h *LessonsHandler) Get(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.Get(chi.URLParam(r, "runId"))
	if err != nil {
		h.opts.Errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, view)
}

// List handles GET /api/lessons
func (h *LessonsHandler) List(w http.ResponseWriter, r *http.Request) {
	views := h.service.List()
	render.JSON(w, r, ListResponse{Items: views, Count: len(views)})
}

// Logs handles GET /api/lessons/{runId}/logs
func (h *LessonsHandler) Logs(w http.ResponseWriter, r *http.Request) {
	entries, err := h.service.Logs(chi.URLParam(r, "runId"))
	if err != nil {
		h.opts.Errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, ListResponse{Items: entries, Count: len(entries)})
}

// SkipStage handles POST /api/lessons/{runId}/stages/{stage}/skip
func (h *LessonsHandler) SkipStage(w http.ResponseWriter, r *http.Request) {
	runID, stage := chi.URLParam(r, "runId"), chi.URLParam(r, "stage")
	view, err := h.service.SkipStage(r.Context(), runID, stage)
	if err != nil {
		h.opts.Errors.HandleError(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "lesson_stage_skipped",
		slog.String("run_id", runID),
		slog.String("stage", stage))
	render.JSON(w, r, view)
}

// Cancel handles POST /api/lessons/{runId}/cancel
func (h *LessonsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runId")
	if err := h.service.Cancel(r.Context(), runID); err != nil {
		h.opts.Errors.HandleError(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "lesson_cancel_requested", slog.String("run_id", runID))
	renderAck(w, r, http.StatusOK, AckResponse{Status: "cancelling", ID: runID})
}
