package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	provider StatusProvider
	logger   *slog.Logger
}

// NewHandlers creates a new handlers instance.
func NewHandlers(provider StatusProvider, logger *slog.Logger) *Handlers {
	return &Handlers{
		provider: provider,
		logger:   logger.With("component", "api-handlers"),
	}
}

// HandleHealth returns a simple health check response.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// HandleStatus returns the current runtime snapshot.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	status := h.provider.Snapshot()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		h.logger.Error("failed to encode status", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
}
