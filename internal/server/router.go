package server

import (
	"errors"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/inquira/inquira-backend/internal/handlers"
	"github.com/inquira/inquira-backend/internal/platform/apierr"
)

type RouterConfig struct {
	AskHandler *handlers.AskHandler
	Auditor    *handlers.Auditor
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("inquira-backend"))

	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}))

	router.HandleMethodNotAllowed = true
	router.NoMethod(func(c *gin.Context) {
		err := errors.New("method not allowed")
		if apiType, ok := handlers.ApiTypeForPath(c.Request.URL.Path); ok && cfg.Auditor != nil {
			cfg.Auditor.RecordRejection(apiType, "", http.StatusMethodNotAllowed, apierr.CodeValidation, err, 0)
		}
		handlers.RespondError(c, http.StatusMethodNotAllowed, apierr.CodeValidation, err)
	})

	router.GET("/healthcheck", handlers.HealthCheck)

	api := router.Group("/api/v1")
	{
		api.POST("/generate_sql", cfg.AskHandler.GenerateSQL)
		api.POST("/stream/ask", cfg.AskHandler.StreamAsk)
	}

	return router
}
