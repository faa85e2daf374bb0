package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/rich1edwards/vividly-mvp-sub003/internal/http/handlers"
	httpMW "github.com/rich1edwards/vividly-mvp-sub003/internal/http/middleware"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/observability"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/logger"
)

type RouterConfig struct {
	Log     *logger.Logger
	Metrics *observability.Metrics
	// ServiceName enables otelgin spans when set.
	ServiceName string

	GenerationHandler *httpH.GenerationHandler
	DeadLetterHandler *httpH.DeadLetterHandler
	HealthHandler     *httpH.HealthHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.ServiceName != "" {
		r.Use(otelgin.Middleware(cfg.ServiceName))
	}
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.Metrics(cfg.Metrics))
	r.Use(httpMW.CORS())

	// Health
	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
	}
	if cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapH(cfg.Metrics.Handler()))
	}

	api := r.Group("/api")
	{
		// Generations
		if cfg.GenerationHandler != nil {
			api.POST("/generations", cfg.GenerationHandler.Create)
			api.GET("/generations", cfg.GenerationHandler.List)
			api.GET("/generations/:id", cfg.GenerationHandler.Get)
			api.POST("/generations/:id/clarification", cfg.GenerationHandler.Clarify)
			api.POST("/generations/:id/cancel", cfg.GenerationHandler.Cancel)
			api.GET("/generations/:id/events", cfg.GenerationHandler.Events)
		}

		// Operators
		if cfg.DeadLetterHandler != nil {
			api.GET("/dead-letters", cfg.DeadLetterHandler.List)
		}
	}

	return r
}
