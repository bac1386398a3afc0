package http

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"lessonforge/internal/batch"
	"lessonforge/internal/config"
	"lessonforge/internal/exporter"
	"lessonforge/internal/history"
	"lessonforge/internal/operations"
	"lessonforge/internal/stream"
)

const (
	contentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	contentTypeCSV  = "text/csv; charset=utf-8"
)

// StartBatchRequest starts a batch over [StartNumber, EndNumber]
type StartBatchRequest struct {
	BatchID        string `json:"batchId" validate:"omitempty,identifier"`
	StartNumber    int    `json:"startNumber" validate:"gte=1"`
	EndNumber      int    `json:"endNumber" validate:"gtefield=StartNumber"`
	Concurrency    int    `json:"concurrency" validate:"gte=1"`
	Payload        string `json:"payload" validate:"required,max=100000"`
	TemplateChoice string `json:"templateChoice" validate:"max=128"`
	OutputPathHint string `json:"outputPathHint" validate:"max=512"`
	Model          string `json:"model" validate:"max=128"`
}

// StopBatchRequest stops a running batch
type StopBatchRequest struct {
	BatchID string `json:"batchId" validate:"required"`
}

// RetryTaskRequest re-runs one task of a batch
type RetryTaskRequest struct {
	BatchID    string `json:"batchId" validate:"required"`
	TaskNumber int    `json:"taskNumber" validate:"gte=1"`
}

// RetryTaskResponse acknowledges a task retry
type RetryTaskResponse struct {
	Status  string             `json:"status"`
	BatchID string             `json:"batchId"`
	Task    history.ItemRecord `json:"task"`
}

// BatchesHandler serves /api/batches
type BatchesHandler struct {
	service    BatchService
	reports    *exporter.ReportWriter
	generation config.GenerationConfig
	opts       Options
	logger     *slog.Logger
	tracer     trace.Tracer
}

// NewBatchesHandler creates a batches handler
func NewBatchesHandler(service BatchService, reports *exporter.ReportWriter, generation config.GenerationConfig, opts Options) *BatchesHandler {
	opts = opts.withDefaults()
	if reports == nil {
		reports = exporter.NewReportWriter(opts.Logger)
	}
	return &BatchesHandler{
		service:    service,
		reports:    reports,
		generation: generation,
		opts:       opts,
		logger:     opts.Logger.With(slog.String("handler", "batches")),
		tracer:     otel.Tracer(TracerName),
	}
}

// Routes returns the batches router
func (h *BatchesHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Start)

	r.Group(func(r chi.Router) {
		r.Use(h.opts.bounded)
		r.Get("/", h.List)
		r.Post("/stop", h.Stop)
		r.Post("/retry", h.Retry)
		r.Get("/{batchId}", h.Get)
		r.Get("/{batchId}/logs", h.Logs)
		r.Get("/{batchId}/report.xlsx", h.ReportXLSX)
		r.Get("/{batchId}/report.csv", h.ReportCSV)
	})
	return r
}

// Start handles POST /api/batches
func (h *BatchesHandler) Start(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "batches.start")
	defer span.End()
	r = r.WithContext(ctx)

	var req StartBatchRequest
	if err := h.opts.Validator.Bind(r, &req); err != nil {
		span.RecordError(err)
		h.opts.Errors.HandleError(w, r, err)
		return
	}
	span.SetAttributes(
		attribute.Int("batch.start", req.StartNumber),
		attribute.Int("batch.end", req.EndNumber),
		attribute.Int("batch.concurrency", req.Concurrency),
	)

	sink, err := newEventStream(w, r, h.opts.KeepAlive)
	if err != nil {
		h.opts.Errors.HandleError(w, r, err)
		return
	}

	rec, err := h.service.Start(context.WithoutCancel(ctx), batch.Request{
		BatchID:     req.BatchID,
		Start:       req.StartNumber,
		End:         req.EndNumber,
		Concurrency: req.Concurrency,
		Payload:     req.Payload,
		Snapshot: operations.NewSnapshot(h.generation, operations.SnapshotOverrides{
			Model:      req.Model,
			Template:   req.TemplateChoice,
			OutputPath: req.OutputPathHint,
		}),
	}, sink)

	opened, streamErr := sink.close()
	if err != nil {
		span.RecordError(err)
		if !opened {
			h.opts.Errors.HandleError(w, r, err)
			return
		}
		_ = sink.Send(stream.EventError, operations.ErrorEvent{RunID: req.BatchID, Message: err.Error()})
	}
	if streamErr != nil {
		h.logger.InfoContext(ctx, "observer_disconnected",
			slog.String("batch_id", rec.ID),
			slog.String("error", streamErr.Error()))
	}
	span.SetAttributes(attribute.String("batch.id", rec.ID), attribute.String("batch.status", rec.Status))
	h.logger.InfoContext(ctx, "batch_stream_finished",
		slog.String("batch_id", rec.ID),
		slog.String("status", rec.Status),
		slog.Int("completed", rec.Completed),
		slog.Int("failed", rec.Failed))
}

// Stop handles POST /api/batches/stop
func (h *BatchesHandler) Stop(w http.ResponseWriter, r *http.Request) {
	var req StopBatchRequest
	if err := h.opts.Validator.Bind(r, &req); err != nil {
		h.opts.Errors.HandleError(w, r, err)
		return
	}
	if err := h.service.Stop(r.Context(), req.BatchID); err != nil {
		h.opts.Errors.HandleError(w, r, err)
		return
	}
	renderAck(w, r, http.StatusOK, AckResponse{Status: "stopping", ID: req.BatchID})
}

// Retry handles POST /api/batches/retry. The task runs in the background;
// the response only confirms it was accepted.
func (h *BatchesHandler) Retry(w http.ResponseWriter, r *http.Request) {
	var req RetryTaskRequest
	if err := h.opts.Validator.Bind(r, &req); err != nil {
		h.opts.Errors.HandleError(w, r, err)
		return
	}
	item, err := h.service.Retry(r.Context(), req.BatchID, req.TaskNumber)
	if err != nil {
		h.opts.Errors.HandleError(w, r, err)
		return
	}
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, RetryTaskResponse{Status: "accepted", BatchID: req.BatchID, Task: item})
}

// List handles GET /api/batches
func (h *BatchesHandler) List(w http.ResponseWriter, r *http.Request) {
	records, err := h.service.List(r.Context())
	if err != nil {
		h.opts.Errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, ListResponse{Items: records, Count: len(records)})
}

// Get handles GET /api/batches/{batchId}
func (h *BatchesHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.service.Get(r.Context(), chi.URLParam(r, "batchId"))
	if err != nil {
		h.opts.Errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, rec)
}

// Logs handles GET /api/batches/{batchId}/logs
func (h *BatchesHandler) Logs(w http.ResponseWriter, r *http.Request) {
	entries, err := h.service.Logs(chi.URLParam(r, "batchId"))
	if err != nil {
		h.opts.Errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, ListResponse{Items: entries, Count: len(entries)})
}

// ReportXLSX handles GET /api/batches/{batchId}/report.xlsx
func (h *BatchesHandler) ReportXLSX(w http.ResponseWriter, r *http.Request) {
	h.report(w, r, "xlsx", contentTypeXLSX, h.reports.WriteXLSX)
}

// ReportCSV handles GET /api/batches/{batchId}/report.csv
func (h *BatchesHandler) ReportCSV(w http.ResponseWriter, r *http.Request) {
	h.report(w, r, "csv", contentTypeCSV, h.reports.WriteCSV)
}

// report renders into memory first so a failure can still become a problem
// response
func (h *BatchesHandler) report(w http.ResponseWriter, r *http.Request, ext, contentType string,
	write func(out io.Writer, rec history.Record) error) {
	rec, err := h.service.Get(r.Context(), chi.URLParam(r, "batchId"))
	if err != nil {
		h.opts.Errors.HandleError(w, r, err)
		return
	}

	var buf bytes.Buffer
	if err := write(&buf, rec); err != nil {
		h.opts.Errors.HandleError(w, r, fmt.Errorf("render %s report: %w", ext, err))
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", exporter.Filename(rec, ext)))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		h.logger.WarnContext(r.Context(), "report_write_failed",
			slog.String("batch_id", rec.ID),
			slog.String("error", err.Error()))
	}
}
