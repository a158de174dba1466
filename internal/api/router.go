package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/imagenary/internal/api/handler"
	"github.com/timmy/imagenary/internal/api/middleware"
	"github.com/timmy/imagenary/internal/config"
)

// RouterDeps are the services the HTTP layer is wired to.
type RouterDeps struct {
	Cache        handler.ImageCache
	Reindexer    handler.Reindexer
	HealthChecks map[string]handler.HealthCheck
	// Metrics serves GET /metrics when set.
	Metrics http.Handler
}

// SetupRouter configures the Gin router with all routes. Admin routes are
// mounted only when a reindexer is given and server.admin_enabled is set.
func SetupRouter(deps RouterDeps, cfg *config.ServerConfig) *gin.Engine {
	switch cfg.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.CORS(cfg.CORS))

	healthHandler := handler.NewHealthHandler(deps.HealthChecks)
	generateHandler := handler.NewGenerateHandler(deps.Cache)
	imageHandler := handler.NewImageHandler(deps.Cache)

	r.GET("/health", healthHandler.Health)
	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	api := r.Group("/api")
	{
		api.POST("/generate", middleware.Timeout(cfg.RequestTimeout), generateHandler.Generate)
		api.GET("/images/:id", imageHandler.GetImage)

		if deps.Reindexer != nil && cfg.AdminEnabled {
			adminHandler := handler.NewAdminHandler(deps.Reindexer)
			admin := api.Group("/admin")
			admin.POST("/reindex", adminHandler.TriggerReindex)
			admin.GET("/reindex/status", adminHandler.GetReindexStatus)
		}
	}

	return r
}
