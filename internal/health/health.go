// Package health provides HTTP health check handlers.
//
// The package exposes two endpoints:
//
//   - /health  — service status plus the live session count, the shape the
//     browser client polls.
//   - /healthz — liveness probe; always returns 200 OK.
package health

import (
	"encoding/json"
	"net/http"
)

// SessionCounter reports the number of live sessions. Satisfied by the
// connection gateway.
type SessionCounter interface {
	SessionCount() int
}

// status is the JSON response body for /health.
type status struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
}

// Handler serves the health endpoints. It is safe for concurrent use.
type Handler struct {
	sessions SessionCounter
}

// New creates a [Handler] reading the session count from sessions.
func New(sessions SessionCounter) *Handler {
	return &Handler{sessions: sessions}
}

// Health reports service status and the live session count.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, status{
		Status:   "ok",
		Sessions: h.sessions.SessionCount(),
	})
}

// Healthz is a liveness probe that always returns 200 OK. A running process
// that can serve HTTP is considered alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Register adds the /health and /healthz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /healthz", h.Healthz)
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
