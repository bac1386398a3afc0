package http

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	ws "lessonforge/internal/websocket"
)

// Health statuses
const (
	HealthStatusOK       = "ok"
	HealthStatusDegraded = "degraded"
)

// HealthResponse is the body of GET /api/health
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Uptime    string                 `json:"uptime"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of one named check
type CheckResult struct {
	Status string      `json:"status"`
	Detail interface{} `json:"detail,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// HealthHandler handles health-related HTTP requests
type HealthHandler struct {
	version string
	started time.Time
	checks  map[string]HealthCheck
	logger  *slog.Logger
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(version string, checks map[string]HealthCheck, logger *slog.Logger) *HealthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthHandler{
		version: version,
		started: time.Now(),
		checks:  checks,
		logger:  logger.With(slog.String("handler", "health")),
	}
}

// Routes sets up the health routes
func (h *HealthHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.HealthCheck)
	r.Get("/live", h.LivenessCheck)
	return r
}

// HealthCheck handles GET /api/health. A failing check turns the status to
// degraded and the response code to 503.
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	resp := h.response()
	resp.Checks = make(map[string]CheckResult, len(h.checks))

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		detail, err := h.checks[name](r.Context())
		if err != nil {
			resp.Status = HealthStatusDegraded
			resp.Checks[name] = CheckResult{Status: HealthStatusDegraded, Error: err.Error()}
			h.logger.WarnContext(r.Context(), "health_check_failed",
				slog.String("check", name),
				slog.String("error", err.Error()))
			continue
		}
		resp.Checks[name] = CheckResult{Status: HealthStatusOK, Detail: detail}
	}

	if resp.Status != HealthStatusOK {
		render.Status(r, http.StatusServiceUnavailable)
	}
	render.JSON(w, r, resp)
}

// LivenessCheck handles GET /api/health/live
func (h *HealthHandler) LivenessCheck(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.response())
}

func (h *HealthHandler) response() HealthResponse {
	now := time.Now()
	return HealthResponse{
		Status:    HealthStatusOK,
		Version:   h.version,
		Uptime:    now.Sub(h.started).Round(time.Second).String(),
		Timestamp: now.UTC(),
	}
}

// SizeCheck reports how many entries a store holds
func SizeCheck(store interface{ Len() int }) HealthCheck {
	return func(context.Context) (interface{}, error) {
		return map[string]int{"entries": store.Len()}, nil
	}
}

// HubCheck reports the websocket hub counters
func HubCheck(hub *ws.Hub) HealthCheck {
	return func(context.Context) (interface{}, error) {
		return hub.Stats(), nil
	}
}
