package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lessonforge/internal/batch"
	"lessonforge/internal/classifier"
	"lessonforge/internal/infrastructure"
	"lessonforge/internal/operations"
	"lessonforge/internal/shared/testutil"
	"lessonforge/internal/staging"
)

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestErrorToProblem(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)
	h := NewErrorHandler(logger, false)
	req := httptest.NewRequest(http.MethodGet, "/api/test", nil)

	quota := classifier.Classify("insufficient_quota", operations.StagePrimary)

	tests := []struct {
		name   string
		err    error
		status int
		typ    string
	}{
		{"staging miss", fmt.Errorf("get r1: %w", staging.ErrNotFound), http.StatusNotFound, TypeStagingNotFound},
		{"unknown run", fmt.Errorf("%w: r9", operations.ErrRunNotFound), http.StatusNotFound, TypeRunNotFound},
		{"unknown batch", batch.ErrBatchNotFound, http.StatusNotFound, TypeBatchNotFound},
		{"duplicate run", operations.ErrRunExists, http.StatusConflict, TypeConflict},
		{"duplicate batch", batch.ErrBatchExists, http.StatusConflict, TypeConflict},
		{"active run", operations.ErrRunActive, http.StatusConflict, TypeRunActive},
		{"running task", batch.ErrItemRunning, http.StatusConflict, TypeItemRunning},
		{"busy batch", fmt.Errorf("%w: b1 runs 2 tasks", batch.ErrBatchBusy), http.StatusConflict, TypeBatchBusy},
		{"validation", operations.NewValidationError("input", "title is required"), http.StatusBadRequest, TypeValidation},
		{"dependency", operations.NewDependencyError(operations.StageDerivedA, operations.StagePrimary), http.StatusConflict, TypeStageDependency},
		{"invalid state", operations.NewInvalidStateError(operations.StageDerivedB, "already succeeded"), http.StatusConflict, TypeInvalidState},
		{"classified", &quota, http.StatusBadGateway, TypeGeneration},
		{"api error", ErrValidation("endNumber", "must be >= startNumber"), http.StatusBadRequest, TypeValidation},
		{"unexpected", fmt.Errorf("boom"), http.StatusInternalServerError, TypeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := h.ErrorToProblem(tt.err, req)
			assert.Equal(t, tt.status, p.Status)
			assert.Equal(t, tt.typ, p.Type)
			assert.Equal(t, "/api/test", p.Instance)
		})
	}

	t.Run("step extension", func(t *testing.T) {
		p := h.ErrorToProblem(operations.NewInvalidStateError(operations.StageDerivedC, "x"), req)
		assert.Equal(t, operations.StageDerivedC, p.Extensions["step"])
	})

	t.Run("classified error carries kind", func(t *testing.T) {
		p := h.ErrorToProblem(&quota, req)
		assert.Equal(t, classifier.KindQuotaExhausted, p.Extensions["kind"])
		assert.Equal(t, false, p.Extensions["retryable"])
	})
}

func TestHandleError(t *testing.T) {
	logger, logs := testutil.NewTestLogger(t)
	h := NewErrorHandler(logger, false)

	req := httptest.NewRequest(http.MethodGet, "/api/staging/r1", nil)
	req = req.WithContext(infrastructure.WithTraceID(req.Context(), "trace-1"))
	rec := httptest.NewRecorder()

	h.HandleError(rec, req, staging.ErrNotFound)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	body := decodeProblem(t, rec)
	assert.Equal(t, TypeStagingNotFound, body["type"])
	assert.Equal(t, "trace-1", body["trace_id"])
	assert.EqualValues(t, 404, body["status"])
	assert.True(t, logs.ContainsMessage("request_failed"))

	t.Run("nil error writes nothing", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.HandleError(rec, req, nil)
		assert.Zero(t, rec.Body.Len())
	})

	t.Run("validation details are listed", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.HandleError(rec, req, ErrValidation("concurrency", "must be at least 1"))
		body := decodeProblem(t, rec)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		errs, ok := body["errors"].([]interface{})
		require.True(t, ok)
		require.Len(t, errs, 1)
		assert.Equal(t, "concurrency", errs[0].(map[string]interface{})["field"])
	})
}

func TestRecoveryMiddleware(t *testing.T) {
	logger, logs := testutil.NewTestLogger(t)
	h := NewErrorHandler(logger, true)

	handler := RecoveryMiddleware(h)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("exploded")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/batches", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeProblem(t, rec)
	assert.Equal(t, TypeInternal, body["type"])
	assert.Equal(t, "exploded", body["panic"])
	assert.True(t, logs.ContainsMessage("panic_recovered"))
}

func TestNotFoundAndMethodNotAllowed(t *testing.T) {
	h := NewErrorHandler(nil, false)

	rec := httptest.NewRecorder()
	h.NotFound(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, TypeNotFound, decodeProblem(t, rec)["type"])

	rec = httptest.NewRecorder()
	h.MethodNotAllowed(rec, httptest.NewRequest(http.MethodDelete, "/api/batches", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Contains(t, decodeProblem(t, rec)["detail"], "DELETE")
}

func TestProblemDetailsMarshal(t *testing.T) {
	p := NewProblemDetails(http.StatusConflict, TypeConflict, "Conflict", "", "/x").
		WithExtension("status", 999).
		WithExtension("batch_id", "b1")

	data, err := json.Marshal(p)
	require.NoError(t, err)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &body))
	assert.EqualValues(t, 409, body["status"], "standard members win")
	assert.Equal(t, "b1", body["batch_id"])
	assert.NotContains(t, body, "detail")
}
