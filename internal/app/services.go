package app

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/rich1edwards/vividly-mvp-sub003/internal/jobs/orchestrator"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/jobs/queue"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/jobs/worker"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/learning/corpus"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/observability"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/logger"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/providers"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/realtime/bus"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/services"
)

type Services struct {
	Generation services.GenerationService
	// Orchestrator and Processor are nil in API-only processes.
	Orchestrator *orchestrator.Orchestrator
	Processor    *worker.Processor
}

func wireServices(
	db *gorm.DB,
	log *logger.Logger,
	cfg Config,
	repos Repos,
	clients Clients,
	publisher queue.Publisher,
	events bus.Bus,
	metrics *observability.Metrics,
	workerCfg worker.Config,
) (Services, error) {
	log.Info("Wiring services...")
	out := Services{
		Generation: services.NewGenerationService(log, repos.Requests, repos.DeadLetters, publisher),
	}
	if !cfg.runsWorker() {
		return out, nil
	}

	policy, err := orchestrator.LoadPolicy()
	if err != nil {
		return Services{}, fmt.Errorf("load pipeline policy: %w", err)
	}
	index, err := corpus.Load(cfg.CorpusPath)
	if err != nil {
		return Services{}, fmt.Errorf("load corpus %s: %w", cfg.CorpusPath, err)
	}
	log.Info("Corpus loaded", "chunks", index.Len(), "dim", index.Dim())

	caps := providers.NewSet(providers.Deps{
		Log:    log,
		AI:     clients.AI,
		Index:  index,
		Store:  clients.Store,
		Media:  clients.Media,
		Events: events,
		Video:  providers.VideoConfigFromEnv(),
	})
	orch, err := orchestrator.New(db, log, repos.Requests, repos.DeadLetters, caps, policy, orchestrator.WithMetrics(metrics))
	if err != nil {
		return Services{}, fmt.Errorf("init orchestrator: %w", err)
	}
	out.Orchestrator = orch
	out.Processor = worker.NewProcessor(log, repos.Requests, orch, workerCfg, metrics)
	return out, nil
}
