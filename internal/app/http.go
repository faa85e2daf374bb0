package app

import (
	"context"

	"gorm.io/gorm"

	httpserver "github.com/rich1edwards/vividly-mvp-sub003/internal/http"
	httpH "github.com/rich1edwards/vividly-mvp-sub003/internal/http/handlers"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/observability"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/envutil"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/logger"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/realtime"
)

type Handlers struct {
	Health     *httpH.HealthHandler
	Generation *httpH.GenerationHandler
	DeadLetter *httpH.DeadLetterHandler
}

func wireHandlers(log *logger.Logger, db *gorm.DB, services Services, clients Clients, hub *realtime.Hub) Handlers {
	log.Info("Wiring handlers...")
	var breakers httpH.BreakerReporter
	if services.Orchestrator != nil {
		breakers = services.Orchestrator.Breakers()
	}
	ping := func(ctx context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	}
	return Handlers{
		Health: httpH.NewHealthHandler(ping, breakers),
		Generation: httpH.NewGenerationHandler(log, services.Generation, hub, clients.Store,
			httpH.WithStatusPoll(envutil.Duration("SSE_STATUS_POLL_INTERVAL", 0)),
		),
		DeadLetter: httpH.NewDeadLetterHandler(services.Generation),
	}
}

func wireServer(log *logger.Logger, cfg Config, handlers Handlers, metrics *observability.Metrics) *httpserver.Server {
	log.Info("Wiring router...")
	serviceName := ""
	if envutil.Bool("OTEL_ENABLED", false) {
		serviceName = cfg.ServiceName
	}
	return httpserver.NewServer(httpserver.RouterConfig{
		Log:               log,
		Metrics:           metrics,
		ServiceName:       serviceName,
		GenerationHandler: handlers.Generation,
		DeadLetterHandler: handlers.DeadLetter,
		HealthHandler:     handlers.Health,
	})
}
