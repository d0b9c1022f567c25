package api

import (
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/axelterrier/filament-tracker-backend/internal/metrics"
)

// RouteConfig carries the HTTP settings the router needs.
type RouteConfig struct {
	APIToken    string
	CORSOrigins []string
}

// SetupRoutes configures all API routes
func SetupRoutes(router *gin.Engine, handlers *APIHandlers, cfg RouteConfig, m *metrics.Metrics, logger *logrus.Logger) {
	// Global middleware
	router.Use(Recovery(logger))
	router.Use(RequestLogger(logger))
	router.Use(RequestMetrics(m))
	router.Use(ErrorHandler())
	router.Use(CORS(cfg.CORSOrigins))

	// Public
	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(m.Handler()))

	api := router.Group("/api")
	admin := BearerToken(cfg.APIToken)

	filaments := api.Group("/filaments")
	{
		filaments.GET("", handlers.ListFilaments)
		filaments.GET("/uid/:uid", handlers.GetFilamentByUID)
		filaments.GET("/:id", handlers.GetFilament)
		filaments.POST("", handlers.CreateFilament)
		filaments.PUT("/:id", handlers.UpdateFilament)
		filaments.PATCH("/:id", handlers.UpdateFilament)
		filaments.DELETE("/:id", admin, handlers.DeleteFilament)
	}

	// Reports forwarded by the broker bridge or posted by hand
	api.POST("/ams/sync", handlers.SyncAMS)

	mqtt := api.Group("/mqtt")
	mqtt.Use(admin)
	{
		mqtt.GET("/status", handlers.BrokerStatus)
		mqtt.POST("/config", handlers.SaveBrokerConfig)
		mqtt.POST("/test", handlers.TestBrokerConfig)
		mqtt.POST("/start", handlers.StartBroker)
		mqtt.POST("/stop", handlers.StopBroker)
	}
}
