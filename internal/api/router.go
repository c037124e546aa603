package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/timmy/pagepulse/internal/api/handler"
	"github.com/timmy/pagepulse/internal/api/middleware"
	"github.com/timmy/pagepulse/internal/config"
	"github.com/timmy/pagepulse/internal/logger"
)

// RouterDeps holds everything the routes are served from.
type RouterDeps struct {
	Uploads handler.Uploads
	// Active is optional; it adds the in-flight upload count to /health.
	Active handler.ActiveCounter
	// DB is optional; /health pings it when set.
	DB handler.Pinger
	// Gatherer serves /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
}

// SetupRouter configures the Gin router with all routes
func SetupRouter(deps RouterDeps, cfg *config.ServerConfig, log *logger.Logger) *gin.Engine {
	// Set Gin mode
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
	r.Use(middleware.LoggerMiddleware(log))
	r.Use(middleware.CORS(cfg.CORS))

	healthHandler := handler.NewHealthHandler(deps.DB, deps.Active)
	uploadHandler := handler.NewUploadHandler(deps.Uploads, log)

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r.GET("/health", healthHandler.Health)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := r.Group("/api/v1")
	{
		uploads := v1.Group("/uploads")
		uploads.POST("/:id/ingest", uploadHandler.StartIngestion)
		uploads.GET("/:id/progress", uploadHandler.GetProgress)
	}

	return r
}
