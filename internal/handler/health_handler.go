package handler

import (
	"context"
	"net/http"

	"outreach/internal/service"
)

// HealthChecker reports dependency health
type HealthChecker interface {
	CheckHealth(ctx context.Context) *service.HealthStatus
}

// HealthHandler handles health check requests
type HealthHandler struct {
	healthService HealthChecker
}

// NewHealthHandler creates a new HealthHandler instance
func NewHealthHandler(healthService HealthChecker) *HealthHandler {
	return &HealthHandler{
		healthService: healthService,
	}
}

// HandleHealth handles GET /health
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := h.healthService.CheckHealth(r.Context())

	code := http.StatusInternalServerError
	switch status.Status {
	case service.StatusHealthy:
		code = http.StatusOK
	case service.StatusDegraded, service.StatusUnhealthy:
		code = http.StatusServiceUnavailable
	}

	_ = WriteJSON(w, code, status)
}
