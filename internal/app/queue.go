package app

import (
	"context"
	"fmt"

	"github.com/rich1edwards/vividly-mvp-sub003/internal/jobs/queue"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/jobs/worker"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/logger"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/temporalx"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/temporalx/generationrun"
)

// Transport is the delivery side of the selected queue driver. Consumer is
// nil for Temporal, whose worker pulls through its own runner.
type Transport struct {
	Publisher queue.Publisher
	Consumer  queue.Consumer
	close     func() error
}

func (t Transport) Close() error {
	if t.close == nil {
		return nil
	}
	return t.close()
}

func wireQueue(ctx context.Context, log *logger.Logger, cfg Config, clients Clients, workerCfg worker.Config) (Transport, error) {
	log.Info("Wiring queue...", "driver", cfg.QueueDriver)
	switch cfg.QueueDriver {
	case QueueDriverMemory:
		q := queue.NewMemory(workerCfg.LeaseTimeout)
		return Transport{Publisher: q, Consumer: q, close: q.Close}, nil
	case QueueDriverRedis:
		if clients.Redis == nil {
			return Transport{}, fmt.Errorf("redis queue: client not configured")
		}
		q, err := queue.NewRedisStreams(ctx, clients.Redis, log, queue.RedisConfigFromEnv(workerCfg.WorkerID))
		if err != nil {
			return Transport{}, err
		}
		return Transport{Publisher: q, Consumer: q, close: q.Close}, nil
	case QueueDriverTemporal:
		pub, err := generationrun.NewPublisher(clients.Temporal, temporalx.LoadConfig().TaskQueue)
		if err != nil {
			return Transport{}, err
		}
		return Transport{Publisher: pub}, nil
	default:
		return Transport{}, fmt.Errorf("unsupported queue driver %q", cfg.QueueDriver)
	}
}
