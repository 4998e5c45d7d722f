package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// NewRouter configures all API routes.
func NewRouter(h *Handlers) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(h.logger), corsMiddleware())

	api := router.Group("/api")
	{
		generation := api.Group("/generation")
		{
			generation.POST("", h.GenerateHandler)
			generation.GET("/:task_id/status", h.TaskStatusHandler)
			generation.POST("/:task_id/cancel", h.CancelTaskHandler)

			generation.POST("/bulk", h.BulkGenerateHandler)
			generation.GET("/bulk/:batch_id/status", h.BulkStatusHandler)
			generation.POST("/bulk/:batch_id/cancel", h.CancelBulkHandler)
		}

		organization := api.Group("/organization")
		{
			organization.GET("/snapshot", h.SnapshotHandler)
			organization.POST("/refresh", h.RefreshHandler)
			organization.GET("/positions", h.PositionsHandler)
			organization.GET("/positions/without-profile", h.PositionsWithoutProfileHandler)
			organization.GET("/positions/:position_id", h.PositionHandler)
		}

		api.GET("/profiles/:position_id", h.ProfileHandler)
	}

	router.GET("/health", h.HealthHandler)

	return router
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Error("http request", fields...)
			return
		}
		log.Debug("http request", fields...)
	}
}

// corsMiddleware lets the browser frontend poll the API from another origin.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
