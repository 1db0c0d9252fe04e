package handler

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mindful-ai/companion/internal/store"
	"github.com/mindful-ai/companion/pkg/logger"
)

const readyTimeout = 2 * time.Second

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	pinger store.Pinger
	logger *logger.Logger
}

// NewHealthHandler creates a new health handler. A nil pinger is always ready.
func NewHealthHandler(pinger store.Pinger, log *logger.Logger) *HealthHandler {
	if log == nil {
		log = logger.NewNop()
	}
	return &HealthHandler{
		pinger: pinger,
		logger: log,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()

		if err := h.pinger.Ping(ctx); err != nil {
			h.logger.Warn("readiness check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"reason": "store unavailable",
			})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
