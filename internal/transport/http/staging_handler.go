package http

import (
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apierrors "lessonforge/internal/errors"
)

// StagingHandler serves staged generation output. Keys contain '/' for batch
// tasks, so the route is a wildcard.
type StagingHandler struct {
	store  StagingReader
	opts   Options
	logger *slog.Logger
}

// NewStagingHandler creates a staging handler
func NewStagingHandler(store StagingReader, opts Options) *StagingHandler {
	opts = opts.withDefaults()
	return &StagingHandler{
		store:  store,
		opts:   opts,
		logger: opts.Logger.With(slog.String("handler", "staging")),
	}
}

// Routes returns the staging router
func (h *StagingHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(h.opts.bounded)
	r.Get("/*", h.Get)
	return r
}

// Get handles GET /api/staging/{key}. Reads never remove or refresh the entry.
func (h *StagingHandler) Get(w http.ResponseWriter, r *http.Request) {
	key, err := url.PathUnescape(chi.URLParam(r, "*"))
	if err != nil || key == "" {
		h.opts.Errors.HandleError(w, r, apierrors.ErrValidation("key", "a staging key is required"))
		return
	}

	entry, err := h.store.Get(key)
	if err != nil {
		h.opts.Errors.HandleError(w, r, err)
		return
	}
	h.logger.DebugContext(r.Context(), "staged_content_read",
		slog.String("key", key),
		slog.Int("bytes", len(entry.Content)))
	render.JSON(w, r, entry)
}
