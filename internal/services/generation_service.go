package services

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/rich1edwards/vividly-mvp-sub003/internal/data/repos/requests"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/domain/generation"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/jobs/queue"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/pkg/dbctx"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/ctxutil"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/logger"
)

var (
	ErrNotFound     = errors.New("generation request not found")
	ErrInvalidInput = errors.New("invalid generation input")
	// ErrConflict is a command the request's current status does not allow.
	ErrConflict = errors.New("generation request state conflict")
)

type EnqueueInput struct {
	LearnerQuery string
	GradeLevel   int
	Interests    []string
}

// GenerationService is the collaborator-facing surface of the pipeline:
// create a request and publish it, read its status, steer it.
type GenerationService interface {
	Enqueue(dbc dbctx.Context, in EnqueueInput) (*generation.GenerationRequest, error)
	Get(dbc dbctx.Context, id uuid.UUID) (*generation.GenerationRequest, error)
	View(dbc dbctx.Context, id uuid.UUID) (generation.StatusView, error)
	List(dbc dbctx.Context, filter requests.ListFilter) ([]*generation.GenerationRequest, error)
	Cancel(dbc dbctx.Context, id uuid.UUID) (generation.StatusView, error)
	Resubmit(dbc dbctx.Context, id uuid.UUID, query string, interests []string) (generation.StatusView, error)
	// Requeue publishes a message for a live request. Callers that created
	// the row inside a transaction use it after commit.
	Requeue(dbc dbctx.Context, id uuid.UUID) error
	ListDeadLetters(dbc dbctx.Context, limit int) ([]*generation.DeadLetter, error)
}

type generationService struct {
	log         *logger.Logger
	requests    requests.RequestRepo
	deadLetters requests.DeadLetterRepo
	publisher   queue.Publisher
}

func NewGenerationService(
	baseLog *logger.Logger,
	reqs requests.RequestRepo,
	deadLetters requests.DeadLetterRepo,
	publisher queue.Publisher,
) GenerationService {
	return &generationService{
		log:         baseLog.With("service", "GenerationService"),
		requests:    reqs,
		deadLetters: deadLetters,
		publisher:   publisher,
	}
}

// Enqueue only rejects input it cannot store. Grade and query content are
// judged by the validating stage, so a bad request still gets a status.
func (s *generationService) Enqueue(dbc dbctx.Context, in EnqueueInput) (*generation.GenerationRequest, error) {
	query := strings.TrimSpace(in.LearnerQuery)
	if query == "" {
		return nil, fmt.Errorf("%w: learner_query required", ErrInvalidInput)
	}
	req := &generation.GenerationRequest{
		ID:                uuid.New(),
		LearnerQuery:      query,
		GradeLevel:        in.GradeLevel,
		DeclaredInterests: generation.JSON(normalizeInterests(in.Interests)),
		Status:            generation.StatusPending,
	}
	if err := s.requests.Create(dbc, req); err != nil {
		return nil, fmt.Errorf("create generation request: %w", err)
	}
	log := s.log.With(append(ctxutil.LogFields(dbc.Ctx), "request_id", req.ID)...)
	if dbc.Tx != nil {
		log.Debug("Generation request created inside a transaction; publish deferred to caller")
		return req, nil
	}
	// The row is the source of truth; a lost publish leaves it pending for
	// an operator requeue instead of failing the caller.
	if err := s.publisher.Publish(dbc.Ctx, queue.Message{RequestID: req.ID}); err != nil {
		log.Error("Publishing generation request failed; request stays pending", "error", err)
		return req, nil
	}
	log.Info("Generation request enqueued", "grade_level", req.GradeLevel)
	return req, nil
}

func (s *generationService) Get(dbc dbctx.Context, id uuid.UUID) (*generation.GenerationRequest, error) {
	req, err := s.requests.GetByID(dbc, id)
	if errors.Is(err, requests.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return req, err
}

func (s *generationService) View(dbc dbctx.Context, id uuid.UUID) (generation.StatusView, error) {
	req, err := s.Get(dbc, id)
	if err != nil {
		return generation.StatusView{}, err
	}
	return req.View(), nil
}

func (s *generationService) List(dbc dbctx.Context, filter requests.ListFilter) ([]*generation.GenerationRequest, error) {
	return s.requests.List(dbc, filter)
}

// Cancel flags the request and publishes it so a request with no run in
// flight (pending or waiting on clarification) still reaches cancelled.
// Cancelling twice is not an error.
func (s *generationService) Cancel(dbc dbctx.Context, id uuid.UUID) (generation.StatusView, error) {
	flagged, err := s.requests.RequestCancel(dbc, id)
	if err != nil {
		return generation.StatusView{}, err
	}
	req, err := s.Get(dbc, id)
	if err != nil {
		return generation.StatusView{}, err
	}
	if !flagged {
		if req.Status.Absorbing() {
			return req.View(), fmt.Errorf("%w: request is %s", ErrConflict, req.Status)
		}
		if !req.CancelRequested() {
			return req.View(), fmt.Errorf("%w: cancel not recorded", ErrConflict)
		}
	}
	s.publish(dbc, id, "cancel")
	return req.View(), nil
}

func (s *generationService) Resubmit(dbc dbctx.Context, id uuid.UUID, query string, interests []string) (generation.StatusView, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return generation.StatusView{}, fmt.Errorf("%w: learner_query required", ErrInvalidInput)
	}
	if interests != nil {
		interests = normalizeInterests(interests)
	}
	ok, err := s.requests.Resubmit(dbc, id, query, interests)
	if err != nil {
		return generation.StatusView{}, err
	}
	req, err := s.Get(dbc, id)
	if err != nil {
		return generation.StatusView{}, err
	}
	if !ok {
		return req.View(), fmt.Errorf("%w: request is %s, not awaiting clarification", ErrConflict, req.Status)
	}
	s.publish(dbc, id, "resubmit")
	return req.View(), nil
}

func (s *generationService) Requeue(dbc dbctx.Context, id uuid.UUID) error {
	req, err := s.Get(dbc, id)
	if err != nil {
		return err
	}
	if req.Status.Absorbing() {
		return fmt.Errorf("%w: request is %s", ErrConflict, req.Status)
	}
	if err := s.publisher.Publish(dbc.Ctx, queue.Message{RequestID: id}); err != nil {
		return fmt.Errorf("publish generation request: %w", err)
	}
	s.log.Info("Generation request requeued", "request_id", id, "status", req.Status)
	return nil
}

func (s *generationService) ListDeadLetters(dbc dbctx.Context, limit int) ([]*generation.DeadLetter, error) {
	return s.deadLetters.List(dbc, limit)
}

// publish is best-effort: the flag is already stored and the next
// delivery of this id, from any source, will act on it.
func (s *generationService) publish(dbc dbctx.Context, id uuid.UUID, reason string) {
	if err := s.publisher.Publish(dbc.Ctx, queue.Message{RequestID: id}); err != nil {
		s.log.Warn("Publishing generation request failed", "request_id", id, "reason", reason, "error", err)
	}
}

// normalizeInterests treats interests as a set: trimmed, lowercased,
// deduplicated and sorted.
func normalizeInterests(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
