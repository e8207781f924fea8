package http

import (
	"net/http"

	"callcore/internal/infrastructure/monitoring"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthHandler serves /health and, when a gatherer is set, /metrics.
type HealthHandler struct {
	health   *monitoring.HealthChecker
	gatherer prometheus.Gatherer
}

func NewHealthHandler(health *monitoring.HealthChecker, gatherer prometheus.Gatherer) *HealthHandler {
	return &HealthHandler{health: health, gatherer: gatherer}
}

func (h *HealthHandler) SetupRoutes(router gin.IRouter) {
	router.GET("/health", h.Health)
	if h.gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}
}

func (h *HealthHandler) Health(c *gin.Context) {
	status := h.health.CheckAll(c.Request.Context())
	code := http.StatusOK
	if status.Status == monitoring.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}
