package http

import (
	"net/http"

	apierrors "lessonforge/internal/errors"
)

// MetricsHandler serves the Prometheus scrape endpoint. With metrics export
// disabled it answers 503.
type MetricsHandler struct {
	exporter http.Handler
	errors   *apierrors.ErrorHandler
}

// NewMetricsHandler wraps the exporter's HTTP handler, which may be nil
func NewMetricsHandler(exporter http.Handler, errs *apierrors.ErrorHandler) *MetricsHandler {
	if errs == nil {
		errs = apierrors.NewErrorHandler(nil, false)
	}
	return &MetricsHandler{exporter: exporter, errors: errs}
}

// ServeHTTP implements http.Handler
func (h *MetricsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.exporter == nil {
		h.errors.HandleError(w, r, apierrors.New(http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE",
			"Metrics export is disabled"))
		return
	}
	h.exporter.ServeHTTP(w, r)
}
