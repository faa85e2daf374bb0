package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/envutil"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/logger"
)

const (
	RunModeAll    = "all"
	RunModeAPI    = "api"
	RunModeWorker = "worker"

	QueueDriverMemory   = "memory"
	QueueDriverRedis    = "redis"
	QueueDriverTemporal = "temporal"
)

type Config struct {
	RunMode     string
	QueueDriver string
	HTTPAddr    string
	// MetricsAddr serves /metrics on its own listener, for worker processes
	// that have no router.
	MetricsAddr   string
	CorpusPath    string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	ServiceName   string
	Environment   string
	Version       string
	ShutdownGrace time.Duration
}

func LoadConfig(log *logger.Logger) (Config, error) {
	port := envutil.String("PORT", "8080")
	cfg := Config{
		RunMode:       strings.ToLower(envutil.String("RUN_MODE", RunModeAll)),
		QueueDriver:   strings.ToLower(envutil.String("QUEUE_DRIVER", QueueDriverMemory)),
		HTTPAddr:      envutil.String("HTTP_ADDR", ":"+port),
		MetricsAddr:   envutil.String("METRICS_ADDR", ""),
		CorpusPath:    envutil.String("CORPUS_PATH", "corpus.jsonl"),
		RedisAddr:     envutil.String("REDIS_ADDR", ""),
		RedisPassword: envutil.String("REDIS_PASSWORD", ""),
		RedisDB:       envutil.Int("REDIS_DB", 0),
		ServiceName:   envutil.String("SERVICE_NAME", "vividly-generation"),
		Environment:   envutil.String("APP_ENV", "development"),
		Version:       envutil.String("APP_VERSION", "dev"),
		ShutdownGrace: envutil.Duration("SHUTDOWN_GRACE", 15*time.Second),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	if log != nil {
		log.Info("Configuration loaded",
			"run_mode", cfg.RunMode,
			"queue_driver", cfg.QueueDriver,
			"http_addr", cfg.HTTPAddr,
			"corpus_path", cfg.CorpusPath,
			"redis", cfg.RedisAddr != "",
		)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.RunMode {
	case RunModeAll, RunModeAPI, RunModeWorker:
	default:
		return fmt.Errorf("invalid RUN_MODE %q (want all, api or worker)", c.RunMode)
	}
	switch c.QueueDriver {
	case QueueDriverMemory:
		// The in-process queue cannot reach a worker in another process.
		if c.RunMode != RunModeAll {
			return fmt.Errorf("QUEUE_DRIVER=memory requires RUN_MODE=all, got %q", c.RunMode)
		}
	case QueueDriverRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("QUEUE_DRIVER=redis requires REDIS_ADDR")
		}
	case QueueDriverTemporal:
	default:
		return fmt.Errorf("invalid QUEUE_DRIVER %q (want memory, redis or temporal)", c.QueueDriver)
	}
	return nil
}

func (c Config) runsAPI() bool    { return c.RunMode == RunModeAll || c.RunMode == RunModeAPI }
func (c Config) runsWorker() bool { return c.RunMode == RunModeAll || c.RunMode == RunModeWorker }
