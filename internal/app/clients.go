package app

import (
	"context"
	"fmt"
	"io"
	"time"

	goredis "github.com/redis/go-redis/v9"
	temporalsdkclient "go.temporal.io/sdk/client"

	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/gcp"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/localmedia"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/logger"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/openai"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/temporalx"
)

type Clients struct {
	Redis    goredis.UniversalClient
	Temporal temporalsdkclient.Client
	Store    gcp.ArtifactStore
	// AI and Media are only built for processes that run the worker.
	AI    openai.Client
	Media localmedia.Tools
}

func wireClients(ctx context.Context, log *logger.Logger, cfg Config) (Clients, error) {
	log.Info("Wiring clients...")
	var out Clients

	// Redis
	if cfg.RedisAddr != "" {
		rdb := goredis.NewClient(&goredis.Options{
			Addr:        cfg.RedisAddr,
			Password:    cfg.RedisPassword,
			DB:          cfg.RedisDB,
			DialTimeout: 5 * time.Second,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			_ = rdb.Close()
			return Clients{}, fmt.Errorf("redis ping: %w", err)
		}
		out.Redis = rdb
	}

	// Temporal
	if cfg.QueueDriver == QueueDriverTemporal {
		tcfg := temporalx.LoadConfig()
		if tcfg.Address == "" {
			out.Close()
			return Clients{}, fmt.Errorf("QUEUE_DRIVER=temporal requires TEMPORAL_ADDRESS")
		}
		tc, err := temporalx.NewClient(ctx, log, tcfg)
		if err != nil {
			out.Close()
			return Clients{}, fmt.Errorf("init temporal client: %w", err)
		}
		out.Temporal = tc
	}

	// Artifacts
	storeCfg, err := gcp.ArtifactStoreConfigFromEnv()
	if err != nil {
		out.Close()
		return Clients{}, err
	}
	store, err := gcp.NewArtifactStore(ctx, log, storeCfg)
	if err != nil {
		out.Close()
		return Clients{}, fmt.Errorf("init artifact store: %w", err)
	}
	out.Store = store

	if !cfg.runsWorker() {
		return out, nil
	}

	// OpenAI
	ai, err := openai.NewClient(log, openai.ConfigFromEnv())
	if err != nil {
		out.Close()
		return Clients{}, fmt.Errorf("init openai client: %w", err)
	}
	out.AI = ai

	// ffmpeg is optional; without it the rendered video is stored unmuxed.
	media := localmedia.New(log, localmedia.ConfigFromEnv())
	if err := media.AssertReady(ctx); err != nil {
		log.Warn("ffmpeg unavailable; narration will not be muxed into videos", "error", err)
	} else {
		out.Media = media
	}
	return out, nil
}

func (c *Clients) Close() {
	if c == nil {
		return
	}
	if closer, ok := c.Store.(io.Closer); ok {
		_ = closer.Close()
	}
	if c.Temporal != nil {
		c.Temporal.Close()
	}
	if c.Redis != nil {
		_ = c.Redis.Close()
	}
}
