package api

import (
	"log/slog"
	"strings"

	"pdfqueue/config"
	"pdfqueue/task"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

func SetupRouter(tm *task.Manager, cfg *config.Config, logger *slog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(logger))

	if origins := splitOrigins(cfg.CORSAllowedOrigins); len(origins) > 0 {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowOrigins = origins
		corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization"}
		corsConfig.ExposeHeaders = []string{"Content-Disposition"}
		r.Use(cors.New(corsConfig))
	}

	h := NewHandler(tm, cfg, logger)

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	tasks := r.Group("/api/tasks")
	tasks.Use(AuthMiddleware(cfg))
	{
		tasks.POST("", h.handleCreateTask)
		tasks.GET("", h.handleListTasks)
		tasks.GET("/:taskId", h.handleGetTask)
		tasks.GET("/:taskId/download", h.handleDownload)
	}
	return r
}

func splitOrigins(raw string) []string {
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}
