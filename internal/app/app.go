package app

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/rich1edwards/vividly-mvp-sub003/internal/data/db"
	httpserver "github.com/rich1edwards/vividly-mvp-sub003/internal/http"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/jobs/worker"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/observability"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/envutil"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/logger"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/realtime"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/realtime/bus"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/temporalx"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/temporalx/temporalworker"
)

type App struct {
	Log      *logger.Logger
	Cfg      Config
	DB       *gorm.DB
	Repos    Repos
	Services Services
	Metrics  *observability.Metrics
	Hub      *realtime.Hub
	Bus      bus.Bus
	Server   *httpserver.Server

	dbService    *db.Service
	dbDriver     string
	clients      Clients
	transport    Transport
	workerCfg    worker.Config
	pool         *worker.Worker
	temporal     *temporalworker.Runner
	otelShutdown func(context.Context) error
}

func New(ctx context.Context) (*App, error) {
	log, err := logger.New(envutil.String("LOG_MODE", "development"))
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	log.Info("Loading environment variables...")
	cfg, err := LoadConfig(log)
	if err != nil {
		log.Sync()
		return nil, err
	}

	a := &App{Log: log, Cfg: cfg, workerCfg: worker.ConfigFromEnv()}
	a.otelShutdown = observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: cfg.ServiceName,
		Environment: cfg.Environment,
		Version:     cfg.Version,
	})
	a.Metrics = observability.Init(log)

	dbCfg := db.ConfigFromEnv()
	svc, err := db.New(log, dbCfg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init database: %w", err)
	}
	a.dbService = svc
	a.dbDriver = dbCfg.Driver
	a.DB = svc.DB()

	a.clients, err = wireClients(ctx, log, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Bus, err = wireBus(log, a.clients)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.transport, err = wireQueue(ctx, log, cfg, a.clients, a.workerCfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Repos = wireRepos(a.DB, log)
	a.Services, err = wireServices(a.DB, log, cfg, a.Repos, a.clients, a.transport.Publisher, a.Bus, a.Metrics, a.workerCfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	if cfg.runsWorker() {
		if err := a.wireWorker(); err != nil {
			a.Close()
			return nil, err
		}
	}
	if cfg.runsAPI() {
		a.Hub = realtime.NewHub(log)
		handlers := wireHandlers(log, a.DB, a.Services, a.clients, a.Hub)
		a.Server = wireServer(log, cfg, handlers, a.Metrics)
	}
	return a, nil
}

func wireBus(log *logger.Logger, clients Clients) (bus.Bus, error) {
	if clients.Redis == nil {
		log.Info("Wiring event bus...", "driver", "memory")
		return bus.NewMemory(), nil
	}
	log.Info("Wiring event bus...", "driver", "redis")
	return bus.NewRedisBus(log, clients.Redis)
}

func (a *App) wireWorker() error {
	if a.transport.Consumer != nil {
		a.pool = worker.NewWorker(a.Log, a.transport.Consumer, a.Services.Processor)
		return nil
	}
	runner, err := temporalworker.NewRunner(a.Log, a.clients.Temporal, temporalx.LoadConfig(), a.Services.Processor, a.workerCfg.Concurrency)
	if err != nil {
		return fmt.Errorf("init temporal worker: %w", err)
	}
	a.temporal = runner
	return nil
}

// Run serves until ctx is cancelled or a component fails, then waits for the
// HTTP server and the worker pool to drain.
func (a *App) Run(ctx context.Context) error {
	if a == nil {
		return fmt.Errorf("app not initialized")
	}
	g, gctx := errgroup.WithContext(ctx)

	if a.Hub != nil {
		if err := a.Bus.StartForwarder(gctx, a.Hub.Broadcast); err != nil {
			return fmt.Errorf("start event forwarder: %w", err)
		}
	}

	if a.dbDriver == db.DriverPostgres {
		a.Metrics.StartPostgresCollector(gctx, a.Log, a.DB)
	}
	a.Metrics.StartRedisCollector(gctx, a.Log, a.clients.Redis)
	a.Metrics.StartRequestStatusCollector(gctx, a.Log, a.DB)
	if a.Server == nil {
		a.Metrics.StartServer(gctx, a.Log, a.Cfg.MetricsAddr)
	}

	if a.pool != nil {
		g.Go(func() error { return a.pool.Run(gctx) })
	}
	if a.temporal != nil {
		if err := a.temporal.Start(gctx); err != nil {
			return fmt.Errorf("start temporal worker: %w", err)
		}
	}
	if a.Server != nil {
		g.Go(func() error {
			a.Log.Info("HTTP server listening", "addr", a.Cfg.HTTPAddr)
			return a.Server.Serve(gctx, a.Cfg.HTTPAddr, a.Cfg.ShutdownGrace)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	return g.Wait()
}

func (a *App) Close() {
	if a == nil {
		return
	}
	_ = a.transport.Close()
	if a.Bus != nil {
		_ = a.Bus.Close()
	}
	a.clients.Close()
	if a.dbService != nil {
		if err := a.dbService.Close(); err != nil {
			a.Log.Warn("Closing database failed", "error", err)
		}
	}
	if a.otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), a.Cfg.ShutdownGrace)
		_ = a.otelShutdown(ctx)
		cancel()
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
