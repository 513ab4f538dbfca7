package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gitlab.com/maplesense1/mpt.envmon/src/production/MQT.ApiService/health"
	logger "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Logger"
)

// HealthController handles health and metrics requests
type HealthController struct {
	checker *health.HealthChecker
	metrics http.Handler
	logger  *logger.Logger
}

// NewHealthController creates a new health controller
func NewHealthController(checker *health.HealthChecker, registry *prometheus.Registry, logger *logger.Logger) *HealthController {
	return &HealthController{
		checker: checker,
		metrics: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		logger:  logger,
	}
}

// RegisterRoutes registers the health routes with Gin
func (c *HealthController) RegisterRoutes(router *gin.Engine) {
	router.GET("/api/health", c.ApiHealth)
	router.GET("/health/live", c.HealthLive)
	router.GET("/health/ready", c.HealthReady)
	router.GET("/metrics", gin.WrapH(c.metrics))
}

// ApiHealth is the fixed liveness signal the dashboard polls
func (c *HealthController) ApiHealth(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"status": "online"})
}

func (c *HealthController) HealthLive(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{
		"status": "ok",
	})
}

func (c *HealthController) HealthReady(ctx *gin.Context) {
	checkCtx, cancel := context.WithTimeout(ctx.Request.Context(), 5*time.Second)
	defer cancel()

	status := c.checker.GetHealthStatus(checkCtx)
	if status["status"] != "ok" {
		ctx.JSON(http.StatusServiceUnavailable, status)
		return
	}
	ctx.JSON(http.StatusOK, status)
}
