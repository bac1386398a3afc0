package http

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"lessonforge/internal/infrastructure"
	ws "lessonforge/internal/websocket"
)

// WebSocketOptions configure the upgrade
type WebSocketOptions struct {
	// AllowedOrigins lists the origins allowed to connect. Empty allows
	// same-host connections only.
	AllowedOrigins  []string
	ReadBufferSize  int
	WriteBufferSize int
}

// WebSocketHandler upgrades GET /ws and attaches the client to the hub
type WebSocketHandler struct {
	hub      *ws.Hub
	upgrader websocket.Upgrader
	allowed  []string
	logger   *slog.Logger
}

// NewWebSocketHandler creates a websocket handler
func NewWebSocketHandler(hub *ws.Hub, opts WebSocketOptions, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &WebSocketHandler{
		hub:     hub,
		allowed: opts.AllowedOrigins,
		logger:  logger.With(slog.String("handler", "websocket")),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  opts.ReadBufferSize,
		WriteBufferSize: opts.WriteBufferSize,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// ServeHTTP implements http.Handler
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.logger.WarnContext(ctx, "websocket_upgrade_failed",
			slog.String("origin", r.Header.Get("Origin")),
			slog.String("error", err.Error()))
		return
	}

	client := ws.ServeWS(h.hub, conn, infrastructure.GetTraceID(ctx), h.logger)
	h.logger.InfoContext(ctx, "websocket_connected",
		slog.String("client_id", client.ID()),
		slog.String("remote_addr", r.RemoteAddr))
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.allowed {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}
