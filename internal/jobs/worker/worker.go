package worker

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rich1edwards/vividly-mvp-sub003/internal/jobs/queue"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/logger"
)

// Worker pulls deliveries from a queue with a bounded pool of handler loops.
// Each loop handles one delivery at a time.
type Worker struct {
	log      *logger.Logger
	consumer queue.Consumer
	proc     *Processor
}

func NewWorker(baseLog *logger.Logger, consumer queue.Consumer, proc *Processor) *Worker {
	return &Worker{
		log:      baseLog.With("component", "GenerationWorker"),
		consumer: consumer,
		proc:     proc,
	}
}

// Run blocks until ctx is cancelled and every loop has returned.
func (w *Worker) Run(ctx context.Context) error {
	concurrency := w.proc.Config().Concurrency
	w.log.Info("Starting generation worker pool", "concurrency", concurrency, "worker_id", w.proc.Config().WorkerID)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		loopID := i + 1
		g.Go(func() error {
			w.runLoop(gctx, loopID)
			return nil
		})
	}
	return g.Wait()
}

// Start runs the pool in the background.
func (w *Worker) Start(ctx context.Context) {
	go func() {
		if err := w.Run(ctx); err != nil {
			w.log.Error("Worker pool stopped", "error", err)
		}
	}()
}

func (w *Worker) runLoop(ctx context.Context, loopID int) {
	for {
		if ctx.Err() != nil {
			w.log.Info("Worker loop stopped", "loop_id", loopID)
			return
		}
		d, err := w.consumer.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				w.log.Info("Worker loop stopped", "loop_id", loopID)
				return
			}
			w.log.Warn("Receive failed", "loop_id", loopID, "error", err)
			sleepCtx(ctx, time.Second)
			continue
		}
		if d == nil {
			continue
		}
		w.handle(ctx, loopID, d)
	}
}

func (w *Worker) handle(ctx context.Context, loopID int, d *queue.Delivery) {
	// Ack and nack must land even when shutdown cancelled ctx mid-run.
	settle := func(fn func(context.Context) error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := fn(sctx); err != nil {
			w.log.Warn("Settling delivery failed", "loop_id", loopID, "message_id", d.ID, "error", err)
		}
	}

	msg, err := queue.Decode(d.Payload)
	if err != nil {
		w.log.Error("Dropping malformed message", "loop_id", loopID, "message_id", d.ID, "error", err)
		settle(func(c context.Context) error { return w.consumer.Ack(c, d) })
		return
	}

	var decision Decision
	func() {
		defer func() {
			if r := recover(); r != nil {
				w.log.Error("Delivery handler panic", "loop_id", loopID, "request_id", msg.RequestID, "panic", r)
				decision = Decision{Ack: false, Delay: w.proc.cfg.RedeliveryBase, Outcome: "panic"}
			}
		}()
		extend := func(c context.Context) error { return w.consumer.Extend(c, d) }
		decision = w.proc.Handle(ctx, msg.RequestID, d.Attempt, extend)
	}()

	if decision.Ack {
		settle(func(c context.Context) error { return w.consumer.Ack(c, d) })
		return
	}
	settle(func(c context.Context) error { return w.consumer.Nack(c, d, decision.Delay) })
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
