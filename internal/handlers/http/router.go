package http

import (
	"boardnet/internal/core/ports"
	"boardnet/internal/core/services"
	"boardnet/internal/infrastructure/middleware"
	"boardnet/internal/infrastructure/monitoring"
	"boardnet/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// RouterDeps are the services the API serves. Metrics and Health may be
// nil.
type RouterDeps struct {
	Auth      services.AuthService
	Rooms     ports.RoomService
	Assistant ports.AssistantService
	Metrics   *monitoring.PrometheusCollector
	Health    *monitoring.HealthChecker
}

// NewRouter assembles the REST API under /api/v1 plus the health and
// metrics endpoints.
func NewRouter(cfg *config.Config, deps RouterDeps, logger *zap.SugaredLogger) *gin.Engine {
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(logger),
		middleware.TracingMiddleware(),
	)
	if deps.Metrics != nil {
		router.Use(deps.Metrics.HTTPMiddleware())
	}
	router.Use(
		middleware.ErrorHandlerMiddleware(logger),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	if deps.Health != nil {
		router.GET("/health", deps.Health.LivenessHandler)
		router.GET("/ready", deps.Health.ReadinessHandler)
	}
	if deps.Metrics != nil && cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	api := router.Group("/api/v1")
	NewAuthHandler(deps.Auth).SetupRoutes(api)

	protected := api.Group("")
	protected.Use(middleware.AuthMiddleware(deps.Auth))
	NewRoomHandler(deps.Rooms).SetupRoutes(protected)
	NewAssistantHandler(deps.Rooms, deps.Assistant).SetupRoutes(protected)

	return router
}
