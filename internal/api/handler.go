// Package api provides the read-only operational HTTP surface.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/fransiscuss/wsproxy/internal/session"
	"github.com/go-chi/chi/v5"
)

// Handler serves registry statistics and live session listings. Endpoint
// CRUD and authentication live in the admin surface, not here.
type Handler struct {
	mgr *session.Manager
}

// NewHandler creates the operational API handler.
func NewHandler(mgr *session.Manager) *Handler {
	return &Handler{mgr: mgr}
}

// RegisterRoutes mounts the operational endpoints.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/stats", h.GetStats)
	r.Get("/api/sessions", h.ListSessions)
	r.Get("/api/endpoints/{endpointID}/sessions", h.ListEndpointSessions)
}

// GetStats returns the session manager's statistics snapshot.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	h.respond(w, http.StatusOK, h.mgr.Statistics())
}

// ListSessions returns a summary of every live session.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	h.respond(w, http.StatusOK, h.mgr.ActiveSessions())
}

// ListEndpointSessions returns live sessions for one endpoint.
func (h *Handler) ListEndpointSessions(w http.ResponseWriter, r *http.Request) {
	endpointID := chi.URLParam(r, "endpointID")
	if endpointID == "" {
		h.respond(w, http.StatusBadRequest, map[string]string{"error": "endpoint id required"})
		return
	}
	h.respond(w, http.StatusOK, h.mgr.ActiveSessionsFor(endpointID))
}

// respond encodes v as the JSON body. The status line is already gone by
// the time encoding can fail, so failures are only logged.
func (h *Handler) respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode API response", "error", err)
	}
}
