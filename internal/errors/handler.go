package errors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"runtime/debug"

	"github.com/go-chi/render"

	"lessonforge/internal/batch"
	"lessonforge/internal/cancel"
	"lessonforge/internal/classifier"
	"lessonforge/internal/history"
	"lessonforge/internal/infrastructure"
	"lessonforge/internal/operations"
	"lessonforge/internal/staging"
)

// Common error types following RFC 7807
const (
	TypeValidation    = "/errors/validation"
	TypeNotFound      = "/errors/not-found"
	TypeRateLimit     = "/errors/rate-limit"
	TypeInternal      = "/errors/internal"
	TypeServiceDown   = "/errors/service-unavailable"
	TypeTimeout       = "/errors/timeout"
	TypeConflict      = "/errors/conflict"
	TypeMethodInvalid = "/errors/method-not-allowed"
)

// Domain-specific error types
const (
	TypeRunNotFound     = "/errors/lesson/not-found"
	TypeRunActive       = "/errors/lesson/active"
	TypeStageDependency = "/errors/lesson/dependency"
	TypeInvalidState    = "/errors/lesson/invalid-state"
	TypeCancelled       = "/errors/cancelled"
	TypeBatchNotFound   = "/errors/batch/not-found"
	TypeItemRunning     = "/errors/batch/task-running"
	TypeBatchBusy       = "/errors/batch/busy"
	TypeStagingNotFound = "/errors/staging/not-found"
	TypeGeneration      = "/errors/generation"
)

// ErrorHandler provides centralized error handling
type ErrorHandler struct {
	logger       *slog.Logger
	includeStack bool
}

// NewErrorHandler creates a new error handler
func NewErrorHandler(logger *slog.Logger, includeStack bool) *ErrorHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ErrorHandler{
		logger:       logger.With(slog.String("component", "error_handler")),
		includeStack: includeStack,
	}
}

// HandleError converts any error to RFC 7807 format and responds
func (h *ErrorHandler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		return
	}
	traceID := infrastructure.GetTraceID(r.Context())

	problem := h.ErrorToProblem(err, r)
	level := slog.LevelWarn
	if problem.Status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	h.logger.Log(r.Context(), level, "request_failed",
		slog.String("error", err.Error()),
		slog.Int("status", problem.Status),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
	)

	if traceID != "" {
		problem.WithExtension("trace_id", traceID)
	}
	if h.includeStack && problem.Status >= http.StatusInternalServerError {
		problem.WithExtension("stack", getStackTrace())
	}
	if rerr := render.Render(w, r, problem); rerr != nil {
		h.logger.Error("problem_render_failed", slog.String("error", rerr.Error()))
	}
}

// ErrorToProblem converts an error to RFC 7807 Problem Details. Sentinel
// errors of the domain packages are matched first, then typed errors.
func (h *ErrorHandler) ErrorToProblem(err error, r *http.Request) *ProblemDetails {
	path := r.URL.Path

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return h.apiErrorToProblem(apiErr, r)
	}

	switch {
	case errors.Is(err, staging.ErrNotFound):
		return NewProblemDetails(http.StatusNotFound, TypeStagingNotFound,
			"Staged Content Not Found",
			"Nothing is staged under this key yet, or it has expired", path)

	case errors.Is(err, operations.ErrRunNotFound):
		return NewProblemDetails(http.StatusNotFound, TypeRunNotFound,
			"Lesson Run Not Found", err.Error(), path)

	case errors.Is(err, batch.ErrBatchNotFound), errors.Is(err, history.ErrNotFound):
		return NewProblemDetails(http.StatusNotFound, TypeBatchNotFound,
			"Batch Not Found", err.Error(), path)

	case errors.Is(err, operations.ErrRunExists), errors.Is(err, batch.ErrBatchExists):
		return NewProblemDetails(http.StatusConflict, TypeConflict,
			"Identifier In Use", err.Error(), path)

	case errors.Is(err, operations.ErrRunActive):
		return NewProblemDetails(http.StatusConflict, TypeRunActive,
			"Run Is Active", err.Error(), path)

	case errors.Is(err, batch.ErrItemRunning):
		return NewProblemDetails(http.StatusConflict, TypeItemRunning,
			"Task Is Running", err.Error(), path)

	case errors.Is(err, batch.ErrBatchBusy):
		return NewProblemDetails(http.StatusConflict, TypeBatchBusy,
			"Batch Is Busy", err.Error(), path)
	}

	var opErr *operations.OperationError
	if errors.As(err, &opErr) {
		return operationProblem(opErr, path)
	}

	var se *classifier.StructuredError
	if errors.As(err, &se) {
		return NewProblemDetails(http.StatusBadGateway, TypeGeneration,
			"Generation Failed", se.Message(), path).
			WithExtension("kind", se.Kind).
			WithExtension("stage", se.Stage).
			WithExtension("retryable", se.Retryable)
	}

	if errors.Is(err, cancel.ErrCancelled) {
		return NewProblemDetails(http.StatusConflict, TypeCancelled,
			"Cancelled", "The operation was cancelled", path)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewProblemDetails(http.StatusGatewayTimeout, TypeTimeout,
			"Request Timeout",
			"The request took too long to process and was cancelled", path)
	}

	return NewProblemDetails(http.StatusInternalServerError, TypeInternal,
		"Internal Server Error",
		"An unexpected error occurred while processing your request", path)
}

func operationProblem(opErr *operations.OperationError, path string) *ProblemDetails {
	var p *ProblemDetails
	switch opErr.Type {
	case operations.ErrorTypeValidation:
		p = NewProblemDetails(http.StatusBadRequest, TypeValidation,
			"Validation Failed", opErr.Message, path)
	case operations.ErrorTypeDependency:
		p = NewProblemDetails(http.StatusConflict, TypeStageDependency,
			"Stage Dependency Not Met", opErr.Message, path)
	case operations.ErrorTypeNotFound:
		p = NewProblemDetails(http.StatusNotFound, TypeNotFound,
			"Not Found", opErr.Message, path)
	case operations.ErrorTypeCancellation:
		p = NewProblemDetails(http.StatusConflict, TypeCancelled,
			"Cancelled", opErr.Message, path)
	default:
		p = NewProblemDetails(http.StatusConflict, TypeInvalidState,
			"Invalid State", opErr.Message, path)
	}
	if opErr.Step != "" {
		p.WithExtension("step", opErr.Step)
	}
	return p
}

// apiErrorToProblem converts APIError to ProblemDetails
func (h *ErrorHandler) apiErrorToProblem(apiErr *APIError, r *http.Request) *ProblemDetails {
	problemType := TypeInternal
	switch apiErr.ErrorCode {
	case "VALIDATION_FAILED", "INVALID_REQUEST", "PAYLOAD_TOO_LARGE":
		problemType = TypeValidation
	case "NOT_FOUND":
		problemType = TypeNotFound
	case "CONFLICT":
		problemType = TypeConflict
	case "RATE_LIMIT_EXCEEDED":
		problemType = TypeRateLimit
	case "SERVICE_UNAVAILABLE":
		problemType = TypeServiceDown
	}

	problem := NewProblemDetails(
		apiErr.StatusCode,
		problemType,
		http.StatusText(apiErr.StatusCode),
		apiErr.Message,
		r.URL.Path,
	).WithExtension("error_code", apiErr.ErrorCode)

	if apiErr.Details != nil {
		key := "details"
		if _, ok := apiErr.Details.([]ValidationError); ok {
			key = "errors"
		}
		problem.WithExtension(key, apiErr.Details)
	}
	return problem
}

// HandlePanic recovers from panics and returns RFC 7807 error
func (h *ErrorHandler) HandlePanic(w http.ResponseWriter, r *http.Request, recovered interface{}) {
	traceID := infrastructure.GetTraceID(r.Context())

	h.logger.ErrorContext(r.Context(), "panic_recovered",
		slog.Any("panic", recovered),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("stack", string(debug.Stack())),
	)

	problem := NewProblemDetails(
		http.StatusInternalServerError,
		TypeInternal,
		"Internal Server Error",
		"An unexpected error occurred",
		r.URL.Path,
	).WithExtension("trace_id", traceID)

	if h.includeStack {
		problem.WithExtension("panic", fmt.Sprintf("%v", recovered))
		problem.WithExtension("stack", getStackTrace())
	}

	_ = render.Render(w, r, problem)
}

// NotFound returns a standard 404 error
func (h *ErrorHandler) NotFound(w http.ResponseWriter, r *http.Request) {
	problem := NewProblemDetails(
		http.StatusNotFound,
		TypeNotFound,
		"Not Found",
		"The requested resource was not found",
		r.URL.Path,
	).WithExtension("trace_id", infrastructure.GetTraceID(r.Context()))

	_ = render.Render(w, r, problem)
}

// MethodNotAllowed returns a standard 405 error
func (h *ErrorHandler) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	problem := NewProblemDetails(
		http.StatusMethodNotAllowed,
		TypeMethodInvalid,
		"Method Not Allowed",
		fmt.Sprintf("Method %s is not allowed for this endpoint", r.Method),
		r.URL.Path,
	).WithExtension("trace_id", infrastructure.GetTraceID(r.Context()))

	_ = render.Render(w, r, problem)
}

func getStackTrace() string {
	buf := make([]byte, 1024*8)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}
