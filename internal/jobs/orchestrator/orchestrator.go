// Package orchestrator advances one generation request through its stages.
// Every stage output is persisted by a compare-and-swap on the request's
// status, so concurrent or repeated runs for the same id are safe.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/rich1edwards/vividly-mvp-sub003/internal/data/repos/requests"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/domain/generation"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/jobs/capability"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/observability"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/pkg/dbctx"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/logger"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/resilience/circuit"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/resilience/retry"
)

type Outcome string

const (
	// OutcomeFinished: the request is completed, failed or cancelled.
	OutcomeFinished Outcome = "finished"
	// OutcomeWaiting: parked in awaiting_clarification until a resubmission.
	OutcomeWaiting Outcome = "waiting"
	// OutcomeSuperseded: another run moved the request first.
	OutcomeSuperseded Outcome = "superseded"
	// OutcomeRetryLater: nothing was lost; the delivery should be retried.
	OutcomeRetryLater Outcome = "retry_later"
	OutcomeNotFound   Outcome = "not_found"
)

type Result struct {
	Outcome Outcome
	Status  generation.Status
	Err     error
}

// Ack reports whether the delivery that triggered the run is done with.
func (r Result) Ack() bool { return r.Outcome != OutcomeRetryLater }

var errSuperseded = errors.New("request moved by another run")

// validationError is a request that can never be processed as submitted.
type validationError struct{ msg string }

func (e *validationError) Error() string { return e.msg }

type Orchestrator struct {
	db          *gorm.DB
	log         *logger.Logger
	requests    requests.RequestRepo
	deadLetters requests.DeadLetterRepo
	caps        capability.Set
	policy      *Policy
	retry       *retry.Policy
	breakers    *Breakers
	metrics     *observability.Metrics
}

type Option func(*Orchestrator)

func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithBreakers shares an existing breaker set, e.g. between a worker pool
// and its health endpoint.
func WithBreakers(b *Breakers) Option {
	return func(o *Orchestrator) { o.breakers = b }
}

// WithSleep replaces the retry backoff sleep, for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.retry.Sleep = fn }
}

func New(
	db *gorm.DB,
	baseLog *logger.Logger,
	reqs requests.RequestRepo,
	deadLetters requests.DeadLetterRepo,
	caps capability.Set,
	policy *Policy,
	opts ...Option,
) (*Orchestrator, error) {
	if db == nil || reqs == nil || deadLetters == nil {
		return nil, errors.New("orchestrator: missing store")
	}
	if caps.Extractor == nil || caps.Embedder == nil || caps.Retriever == nil ||
		caps.Scripts == nil || caps.Audio == nil || caps.Video == nil {
		return nil, errors.New("orchestrator: missing capability")
	}
	if policy == nil {
		policy = DefaultPolicy()
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if baseLog == nil {
		baseLog = logger.Nop()
	}
	o := &Orchestrator{
		db:          db,
		log:         baseLog.With("component", "Orchestrator"),
		requests:    reqs,
		deadLetters: deadLetters,
		caps:        caps,
		policy:      policy,
		retry:       retry.NewPolicy(policy.Retry, classify),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.breakers == nil {
		o.breakers = NewBreakers(policy.Dependencies, baseLog, o.metrics)
	}
	return o, nil
}

func (o *Orchestrator) Breakers() *Breakers { return o.breakers }

func (o *Orchestrator) Policy() *Policy { return o.policy }

// classify maps stage errors onto the retry policy. Breaker rejections and
// caller cancellation leave the stage budget untouched.
func classify(err error) retry.Class {
	switch {
	case errors.Is(err, circuit.ErrOpen), errors.Is(err, context.Canceled), errors.Is(err, errSuperseded):
		return retry.Passthrough
	case capability.IsPermanent(err):
		return retry.Permanent
	}
	var ve *validationError
	if errors.As(err, &ve) {
		return retry.Permanent
	}
	return retry.Retryable
}

// Run advances the request as far as it can go in this call: until it is
// absorbing, waiting for clarification, superseded, or a dependency asks for
// a later retry.
func (o *Orchestrator) Run(ctx context.Context, id uuid.UUID) Result {
	log := o.log.With("request_id", id)
	for {
		if err := ctx.Err(); err != nil {
			return Result{Outcome: OutcomeRetryLater, Err: err}
		}
		req, err := o.requests.GetByID(dbctx.Of(ctx), id)
		if errors.Is(err, requests.ErrNotFound) {
			log.Warn("Request not found; dropping delivery")
			return Result{Outcome: OutcomeNotFound, Err: err}
		}
		if err != nil {
			return Result{Outcome: OutcomeRetryLater, Err: err}
		}

		switch {
		case req.Status.Absorbing():
			return Result{Outcome: OutcomeFinished, Status: req.Status}
		case req.CancelRequested():
			if res, done := o.cancel(ctx, log, req); done {
				return res
			}
			continue
		case req.Status == generation.StatusAwaitingClarification && !req.ResubmissionPending():
			return Result{Outcome: OutcomeWaiting, Status: req.Status}
		}

		if res, more := o.step(ctx, log, req); !more {
			return res
		}
	}
}

// step runs the work for req's current status and persists the transition.
// more is true when the loop should reload and continue.
func (o *Orchestrator) step(ctx context.Context, log *logger.Logger, req *generation.GenerationRequest) (res Result, more bool) {
	stage := req.Status
	ctx, span := observability.Tracer().Start(ctx, "generation.stage."+stage.String(),
		trace.WithAttributes(
			attribute.String("request.id", req.ID.String()),
			attribute.String("stage", stage.String()),
			attribute.Int("attempt_count", req.AttemptCount),
		))
	defer span.End()
	start := time.Now()

	next, fields, err := o.execute(ctx, log, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		res, more = o.handleStageError(ctx, log, req, err)
		o.metrics.ObserveStage(stage.String(), outcomeLabel(res, more), time.Since(start))
		return res, more
	}

	ok, err := o.requests.Transition(dbctx.Of(ctx), req.ID, stage, next, fields)
	if err != nil {
		log.Warn("Persisting stage result failed; will retry", "stage", stage, "next", next, "error", err)
		o.metrics.ObserveStage(stage.String(), "retry_later", time.Since(start))
		return Result{Outcome: OutcomeRetryLater, Status: stage, Err: err}, false
	}
	if !ok {
		o.metrics.ObserveStage(stage.String(), "superseded", time.Since(start))
		return o.lostRace(ctx, log, req)
	}

	outcome := "ok"
	if next == generation.StatusAwaitingClarification {
		outcome = "clarification"
	}
	o.metrics.ObserveStage(stage.String(), outcome, time.Since(start))
	if next.Absorbing() {
		o.metrics.IncFinished(next.String())
	}
	log.Info("Stage complete", "stage", stage, "next", next, "duration_ms", time.Since(start).Milliseconds())
	return Result{}, true
}

func outcomeLabel(res Result, more bool) string {
	switch {
	case more:
		return "superseded"
	case res.Outcome == OutcomeFinished && res.Status == generation.StatusFailed:
		return "failed"
	case res.Outcome == OutcomeFinished:
		return res.Status.String()
	}
	return string(res.Outcome)
}

// lostRace reloads after a failed compare-and-swap. A pending cancel request
// is honored by the caller's loop; anything else belongs to another run.
func (o *Orchestrator) lostRace(ctx context.Context, log *logger.Logger, req *generation.GenerationRequest) (Result, bool) {
	cur, err := o.requests.GetByID(dbctx.Of(ctx), req.ID)
	if err != nil {
		return Result{Outcome: OutcomeRetryLater, Status: req.Status, Err: err}, false
	}
	if cur.CancelRequested() && !cur.Status.Absorbing() {
		return Result{}, true
	}
	log.Info("Stage result discarded; request moved by another run", "stage", req.Status, "current", cur.Status)
	if cur.Status.Absorbing() {
		return Result{Outcome: OutcomeFinished, Status: cur.Status}, false
	}
	return Result{Outcome: OutcomeSuperseded, Status: cur.Status}, false
}

func (o *Orchestrator) handleStageError(ctx context.Context, log *logger.Logger, req *generation.GenerationRequest, err error) (Result, bool) {
	var (
		ve *validationError
		ee *retry.ExhaustedError
	)
	switch {
	case errors.Is(err, errSuperseded):
		return o.lostRace(ctx, log, req)
	case errors.As(err, &ve):
		log.Warn("Request rejected", "stage", req.Status, "error", err)
		return o.fail(ctx, log, req, generation.ErrorKindValidation, err, req.AttemptCount, nil)
	case errors.As(err, &ee):
		log.Error("Stage retry budget exhausted", "stage", req.Status, "attempts", ee.Attempts, "error", err)
		return o.fail(ctx, log, req, generation.ErrorKindBudgetExhausted, err, ee.Attempts, &generation.DeadLetter{})
	case capability.IsPermanent(err):
		log.Warn("Stage failed permanently", "stage", req.Status, "error", err)
		return o.fail(ctx, log, req, generation.ErrorKindNonRetryable, err, req.AttemptCount, nil)
	}
	log.Warn("Stage deferred", "stage", req.Status, "error", err)
	return Result{Outcome: OutcomeRetryLater, Status: req.Status, Err: err}, false
}

// fail persists status=failed and, when dl is non-nil, the dead-letter record
// in the same transaction.
func (o *Orchestrator) fail(
	ctx context.Context,
	log *logger.Logger,
	req *generation.GenerationRequest,
	kind generation.ErrorKind,
	cause error,
	attempts int,
	dl *generation.DeadLetter,
) (Result, bool) {
	info := generation.ErrorInfo{Kind: kind, Message: cause.Error(), Stage: req.Status}
	var ok bool
	err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		var err error
		ok, err = o.requests.Transition(dbc, req.ID, req.Status, generation.StatusFailed, map[string]interface{}{
			"error":         generation.JSON(info),
			"attempt_count": attempts,
		})
		if err != nil || !ok || dl == nil {
			return err
		}
		dl.RequestID = req.ID
		dl.LastStage = req.Status
		dl.AttemptCount = attempts
		dl.ErrorKind = kind
		dl.Error = cause.Error()
		return o.deadLetters.Create(dbc, dl)
	})
	if err != nil {
		log.Warn("Persisting failure failed; will retry", "stage", req.Status, "error", err)
		return Result{Outcome: OutcomeRetryLater, Status: req.Status, Err: err}, false
	}
	if !ok {
		return o.lostRace(ctx, log, req)
	}
	o.metrics.IncFinished(generation.StatusFailed.String())
	if dl != nil {
		o.metrics.IncDeadLetter(req.Status.String())
	}
	return Result{Outcome: OutcomeFinished, Status: generation.StatusFailed, Err: cause}, false
}

func (o *Orchestrator) cancel(ctx context.Context, log *logger.Logger, req *generation.GenerationRequest) (Result, bool) {
	ok, err := o.requests.Transition(dbctx.Of(ctx), req.ID, req.Status, generation.StatusCancelled, nil)
	if err != nil {
		return Result{Outcome: OutcomeRetryLater, Status: req.Status, Err: err}, true
	}
	if !ok {
		return Result{}, false
	}
	log.Info("Request cancelled", "stage", req.Status)
	o.metrics.ObserveStage(req.Status.String(), "cancelled", 0)
	o.metrics.IncFinished(generation.StatusCancelled.String())
	return Result{Outcome: OutcomeFinished, Status: generation.StatusCancelled}, true
}

// Escalate fails a request whose deliveries kept ending without an ack, and
// records it in the dead-letter table. Absorbing requests are left alone.
func (o *Orchestrator) Escalate(ctx context.Context, id uuid.UUID, deliveries int, cause error) Result {
	log := o.log.With("request_id", id)
	if cause == nil {
		cause = errors.New("no successful delivery")
	}
	for i := 0; i < 3; i++ {
		req, err := o.requests.GetByID(dbctx.Of(ctx), id)
		if errors.Is(err, requests.ErrNotFound) {
			return Result{Outcome: OutcomeNotFound, Err: err}
		}
		if err != nil {
			return Result{Outcome: OutcomeRetryLater, Err: err}
		}
		if req.Status.Absorbing() {
			return Result{Outcome: OutcomeFinished, Status: req.Status}
		}
		if req.CancelRequested() {
			if res, done := o.cancel(ctx, log, req); done {
				return res
			}
			continue
		}
		msg := fmt.Errorf("redelivery limit reached after %d deliveries: %w", deliveries, cause)
		log.Error("Redelivery limit reached", "stage", req.Status, "deliveries", deliveries, "error", cause)
		res, more := o.fail(ctx, log, req, generation.ErrorKindRedeliveryExhausted, msg, req.AttemptCount,
			&generation.DeadLetter{DeliveryCount: deliveries})
		if !more {
			return res
		}
	}
	return Result{Outcome: OutcomeRetryLater, Err: errSuperseded}
}
