package handler

import (
	"net/http"

	"github.com/mohammadhprp/offgrid/internal/service"
	"go.uber.org/zap"
)

type HealthCheckHandler struct {
	health *service.HealthService
	logger *zap.Logger
}

func NewHealthCheckHandler(health *service.HealthService, logger *zap.Logger) *HealthCheckHandler {
	return &HealthCheckHandler{
		health: health,
		logger: logger,
	}
}

// HealthCheck handles GET /health: 200 when the window store answers, 503 otherwise.
func (h *HealthCheckHandler) HealthCheck() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := h.health.Report(r.Context())

		w.Header().Set("Cache-Control", "no-store")
		if !report.Healthy() {
			writeJSON(w, http.StatusServiceUnavailable, report)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}
