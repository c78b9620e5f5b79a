package gateway

import (
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"github.com/bizmatters/agent-builder/app-studio/internal/auth"
)

// NewRouter builds the gin engine with every gateway route
func NewRouter(h *Handler, jwtManager *auth.JWTManager, logger *zap.Logger) *gin.Engine {
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger(logger))

	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	api := router.Group("/api")
	api.Use(auth.RequireAuth(jwtManager, logger))
	{
		api.GET("/health", h.BuildServiceHealth)

		api.GET("/projects", h.ListProjects)
		api.POST("/projects", h.CreateProject)
		api.GET("/projects/:id", h.GetProject)
		api.DELETE("/projects/:id", h.DeleteProject)

		api.GET("/projects/:id/messages", h.ListMessages)
		api.POST("/projects/:id/messages", h.AppendMessage)
		api.DELETE("/projects/:id/messages", h.ClearMessages)

		api.GET("/credentials", h.GetCredentials)
		api.PUT("/credentials", h.PutCredentials)

		api.POST("/projects/:id/builds", h.SubmitBuild)
		api.POST("/projects/:id/builds/cancel", h.CancelBuild)
		api.GET("/projects/:id/builds/current", h.CurrentBuild)
		api.POST("/projects/:id/initialize", h.Initialize)
		api.GET("/builds/:buildId/status", h.BuildStatus)
		api.POST("/retry", h.Retry)

		api.POST("/projects/:id/workflows", h.RunWorkflow)
		api.POST("/projects/:id/workflows/stop", h.StopWorkflow)
		api.GET("/projects/:id/workflows/current", h.CurrentWorkflow)

		api.GET("/ws/projects/:id", h.StreamProject)
	}

	return router
}

// RequestLogger logs one structured line per request
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Int64("latency_ms", time.Since(start).Milliseconds()),
			zap.String("client_ip", c.ClientIP()),
		}
		if userID, ok := auth.UserID(c); ok {
			fields = append(fields, zap.String("user_id", userID))
		}

		switch {
		case c.Writer.Status() >= 500:
			logger.Error("request", fields...)
		case c.Writer.Status() >= 400:
			logger.Warn("request", fields...)
		default:
			logger.Info("request", fields...)
		}
	}
}
