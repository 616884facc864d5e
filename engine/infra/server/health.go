package server

import (
	"net/http"

	"github.com/flowplane/flowplane/pkg/logger"
	"github.com/flowplane/flowplane/pkg/version"
	"github.com/gin-gonic/gin"
	"github.com/sony/gobreaker"
)

const (
	statusHealthy  = "healthy"
	statusDegraded = "degraded"
)

// health reports store reachability and the scheduler breaker state. An
// open breaker degrades the service but keeps it ready for read paths.
func (h *handlers) health(c *gin.Context) {
	ctx := c.Request.Context()
	status := statusHealthy
	code := http.StatusOK
	storeReady := true
	if err := h.orch.HealthCheck(ctx); err != nil {
		logger.FromContext(ctx).Warn("Store health check failed", "error", err)
		storeReady = false
		status = statusDegraded
		code = http.StatusServiceUnavailable
	}
	breaker := h.orch.Gateway.BreakerState()
	if breaker == gobreaker.StateOpen && storeReady {
		status = statusDegraded
	}
	c.JSON(code, gin.H{
		"data": gin.H{
			"status":    status,
			"version":   version.Get().Version,
			"ready":     storeReady,
			"store":     gin.H{"ready": storeReady},
			"scheduler": gin.H{"breaker": breaker.String()},
		},
		"message": "Success",
	})
}
