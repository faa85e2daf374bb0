package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/rich1edwards/vividly-mvp-sub003/internal/data/repos/requests"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/domain/generation"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/jobs/orchestrator"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/observability"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/pkg/dbctx"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/envutil"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/logger"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/resilience/retry"
)

type Config struct {
	WorkerID    string
	Concurrency int
	// MaxDeliveries is how many deliveries of one message may end without
	// an ack before the request is failed and dead-lettered.
	MaxDeliveries     int
	LeaseTimeout      time.Duration
	HeartbeatInterval time.Duration
	// RedeliveryBase and RedeliveryMax bound the backoff handed to Nack. The
	// memory and Temporal drivers honour it; Redis Streams redelivers after
	// LeaseTimeout+HeartbeatInterval regardless.
	RedeliveryBase time.Duration
	RedeliveryMax  time.Duration
}

func ConfigFromEnv() Config {
	host, _ := os.Hostname()
	if host == "" {
		host = "worker"
	}
	return Config{
		WorkerID:          envutil.String("WORKER_ID", fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])),
		Concurrency:       envutil.Int("WORKER_CONCURRENCY", 4),
		MaxDeliveries:     envutil.Int("WORKER_MAX_DELIVERIES", 10),
		LeaseTimeout:      envutil.Duration("QUEUE_LEASE_TIMEOUT", 2*time.Minute),
		HeartbeatInterval: envutil.Duration("QUEUE_HEARTBEAT_INTERVAL", 30*time.Second),
		RedeliveryBase:    envutil.Duration("WORKER_REDELIVERY_BASE", 5*time.Second),
		RedeliveryMax:     envutil.Duration("WORKER_REDELIVERY_MAX", 2*time.Minute),
	}
}

func (c Config) withDefaults() Config {
	if c.WorkerID == "" {
		c.WorkerID = "worker-" + uuid.NewString()[:8]
	}
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.MaxDeliveries < 1 {
		c.MaxDeliveries = 10
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = 2 * time.Minute
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatInterval >= c.LeaseTimeout {
		c.HeartbeatInterval = c.LeaseTimeout / 4
	}
	if c.RedeliveryBase <= 0 {
		c.RedeliveryBase = 5 * time.Second
	}
	if c.RedeliveryMax < c.RedeliveryBase {
		c.RedeliveryMax = c.RedeliveryBase
	}
	return c
}

// Runner is the part of the orchestrator the processor drives.
type Runner interface {
	Run(ctx context.Context, id uuid.UUID) orchestrator.Result
	Escalate(ctx context.Context, id uuid.UUID, deliveries int, cause error) orchestrator.Result
}

// Decision tells the transport what to do with the delivery.
type Decision struct {
	Ack     bool
	Delay   time.Duration
	Outcome string
	Status  generation.Status
}

// Processor handles one delivery of one request id. The queue worker and the
// Temporal activity both call Handle.
type Processor struct {
	log      *logger.Logger
	requests requests.RequestRepo
	runner   Runner
	cfg      Config
	backoff  *retry.Policy
	metrics  *observability.Metrics
}

func NewProcessor(baseLog *logger.Logger, reqs requests.RequestRepo, runner Runner, cfg Config, metrics *observability.Metrics) *Processor {
	cfg = cfg.withDefaults()
	return &Processor{
		log:      baseLog.With("component", "DeliveryProcessor", "worker_id", cfg.WorkerID),
		requests: reqs,
		runner:   runner,
		cfg:      cfg,
		backoff: retry.NewPolicy(retry.Config{
			MaxAttempts: 1,
			BaseDelay:   cfg.RedeliveryBase,
			MaxDelay:    cfg.RedeliveryMax,
			Jitter:      0.2,
		}, nil),
		metrics: metrics,
	}
}

func (p *Processor) Config() Config { return p.cfg }

// Handle processes one delivery. attempt is the 1-based delivery count of
// the message and extend renews the transport lease on every heartbeat.
func (p *Processor) Handle(ctx context.Context, id uuid.UUID, attempt int, extend func(context.Context) error) Decision {
	d := p.handle(ctx, id, attempt, extend)
	p.metrics.ObserveDelivery(d.Outcome)
	return d
}

func (p *Processor) handle(ctx context.Context, id uuid.UUID, attempt int, extend func(context.Context) error) Decision {
	log := p.log.With("request_id", id, "attempt", attempt)
	dbc := dbctx.Of(ctx)

	req, err := p.requests.GetByID(dbc, id)
	if errors.Is(err, requests.ErrNotFound) {
		log.Warn("Delivery for unknown request; dropping")
		return Decision{Ack: true, Outcome: "not_found"}
	}
	if err != nil {
		log.Warn("Loading request failed", "error", err)
		return p.retryLater(attempt, "store_error", "")
	}
	if req.Status.Absorbing() {
		return Decision{Ack: true, Outcome: "absorbing", Status: req.Status}
	}
	// A parked request has no work in flight, however often it was delivered.
	if req.Status == generation.StatusAwaitingClarification && !req.ResubmissionPending() && !req.CancelRequested() {
		return Decision{Ack: true, Outcome: "waiting", Status: req.Status}
	}
	if attempt > p.cfg.MaxDeliveries {
		res := p.runner.Escalate(ctx, id, attempt, fmt.Errorf("stage %s did not finish", req.Status))
		if !res.Ack() {
			return p.retryLater(attempt, "escalate_failed", req.Status)
		}
		return Decision{Ack: true, Outcome: "redelivery_exhausted", Status: res.Status}
	}

	lease := p.leaseToken()
	claimed, err := p.requests.Claim(dbc, id, lease, p.cfg.LeaseTimeout)
	if err != nil {
		log.Warn("Claim failed", "error", err)
		return p.retryLater(attempt, "store_error", req.Status)
	}
	if !claimed {
		// A live delivery holds the lease and owns the work.
		log.Info("Request leased by another delivery; dropping duplicate", "holder", req.ClaimedBy)
		return Decision{Ack: true, Outcome: "duplicate", Status: req.Status}
	}

	res := p.runClaimed(ctx, log.With("lease", lease), id, lease, extend)
	if !res.Ack() {
		log.Info("Run deferred; leaving delivery for redelivery", "status", res.Status, "error", res.Err)
		return p.retryLater(attempt, string(res.Outcome), res.Status)
	}
	return Decision{Ack: true, Outcome: string(res.Outcome), Status: res.Status}
}

// runClaimed runs the orchestrator under a heartbeat and gives the lease
// back afterwards, panics included.
func (p *Processor) runClaimed(ctx context.Context, log *logger.Logger, id uuid.UUID, lease string, extend func(context.Context) error) orchestrator.Result {
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		p.heartbeat(hbCtx, log, id, lease, extend)
	}()
	defer func() {
		stopHeartbeat()
		<-hbDone
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := p.requests.Release(dbctx.Of(releaseCtx), id, lease); err != nil {
			log.Warn("Releasing lease failed", "error", err)
		}
	}()
	return p.runner.Run(ctx, id)
}

// leaseToken names one delivery. Handler loops in one process share WorkerID,
// so the lease must not.
func (p *Processor) leaseToken() string {
	return p.cfg.WorkerID + ":" + uuid.NewString()
}

func (p *Processor) retryLater(attempt int, outcome string, status generation.Status) Decision {
	return Decision{Ack: false, Delay: p.backoff.CalculateDelay(attempt - 1), Outcome: outcome, Status: status}
}

// heartbeat renews the store lease and the transport lease until ctx ends.
func (p *Processor) heartbeat(ctx context.Context, log *logger.Logger, id uuid.UUID, lease string, extend func(context.Context) error) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := p.requests.Heartbeat(dbctx.Of(ctx), id, lease)
			switch {
			case err != nil && ctx.Err() == nil:
				log.Warn("Lease heartbeat failed", "error", err)
			case err == nil && !ok:
				log.Warn("Lease no longer held; another worker may take over")
			}
			if extend != nil {
				if err := extend(ctx); err != nil && ctx.Err() == nil {
					log.Warn("Extending delivery lease failed", "error", err)
				}
			}
		}
	}
}
