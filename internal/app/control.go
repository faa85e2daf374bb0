package app

import (
	"context"
	"fmt"

	"github.com/rich1edwards/vividly-mvp-sub003/internal/data/db"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/jobs/worker"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/logger"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/services"
)

// Control is the slice of the stack an operator command needs: the request
// store and a publisher on the configured queue. It runs no worker.
type Control struct {
	Log        *logger.Logger
	Cfg        Config
	Generation services.GenerationService

	dbService *db.Service
	clients   Clients
	transport Transport
}

func OpenControl(ctx context.Context, log *logger.Logger) (*Control, error) {
	if log == nil {
		log = logger.Nop()
	}
	cfg, err := LoadConfig(log)
	if err != nil {
		return nil, err
	}
	if cfg.QueueDriver == QueueDriverMemory {
		log.Warn("QUEUE_DRIVER=memory; messages published here are not seen by any worker")
	}
	// Control never runs the pipeline, so skip the AI and media clients.
	cfg.RunMode = RunModeAPI

	c := &Control{Log: log, Cfg: cfg}
	svc, err := db.New(log, db.ConfigFromEnv())
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}
	c.dbService = svc

	c.clients, err = wireClients(ctx, log, cfg)
	if err != nil {
		c.Close()
		return nil, err
	}
	workerCfg := worker.ConfigFromEnv()
	c.transport, err = wireQueue(ctx, log, cfg, c.clients, workerCfg)
	if err != nil {
		c.Close()
		return nil, err
	}
	repos := wireRepos(svc.DB(), log)
	c.Generation = services.NewGenerationService(log, repos.Requests, repos.DeadLetters, c.transport.Publisher)
	return c, nil
}

func (c *Control) Close() {
	if c == nil {
		return
	}
	_ = c.transport.Close()
	c.clients.Close()
	if c.dbService != nil {
		_ = c.dbService.Close()
	}
}
