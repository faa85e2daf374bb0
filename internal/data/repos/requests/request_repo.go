package requests

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/rich1edwards/vividly-mvp-sub003/internal/domain/generation"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/pkg/dbctx"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/logger"
)

type ListFilter struct {
	Statuses []generation.Status
	Limit    int
}

// RequestRepo is the single source of truth for request status. Every status
// change is a compare-and-swap on (id, expected status).
type RequestRepo interface {
	Create(dbc dbctx.Context, req *generation.GenerationRequest) error
	GetByID(dbc dbctx.Context, id uuid.UUID) (*generation.GenerationRequest, error)
	List(dbc dbctx.Context, filter ListFilter) ([]*generation.GenerationRequest, error)

	// Transition moves id from -> to and applies fields in the same UPDATE.
	// It returns false when the stored status no longer equals from.
	Transition(dbc dbctx.Context, id uuid.UUID, from, to generation.Status, fields map[string]interface{}) (bool, error)
	IncrementAttempt(dbc dbctx.Context, id uuid.UUID, status generation.Status) (bool, error)

	Claim(dbc dbctx.Context, id uuid.UUID, lease string, leaseTimeout time.Duration) (bool, error)
	Heartbeat(dbc dbctx.Context, id uuid.UUID, lease string) (bool, error)
	Release(dbc dbctx.Context, id uuid.UUID, lease string) error

	RequestCancel(dbc dbctx.Context, id uuid.UUID) (bool, error)
	Resubmit(dbc dbctx.Context, id uuid.UUID, query string, interests []string) (bool, error)
}

type requestRepo struct {
	db  *gorm.DB
	log *logger.Logger
	now func() time.Time
}

type Option func(*requestRepo)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *requestRepo) { r.now = now }
}

func NewRequestRepo(db *gorm.DB, baseLog *logger.Logger, opts ...Option) RequestRepo {
	r := &requestRepo{
		db:  db,
		log: baseLog.With("repo", "RequestRepo"),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *requestRepo) clock() time.Time { return r.now().UTC() }

func (r *requestRepo) Create(dbc dbctx.Context, req *generation.GenerationRequest) error {
	if req == nil {
		return nil
	}
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	if req.Status == "" {
		req.Status = generation.StatusPending
	}
	if !req.Status.Valid() {
		return fmt.Errorf("create generation request: %w: status %q", ErrInvalidTransition, req.Status)
	}
	now := r.clock()
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}
	req.UpdatedAt = req.CreatedAt
	return mapError("create generation request", dbc.DB(r.db).Create(req).Error)
}

func (r *requestRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*generation.GenerationRequest, error) {
	var req generation.GenerationRequest
	if err := dbc.DB(r.db).Where("id = ?", id).Take(&req).Error; err != nil {
		return nil, mapError("get generation request", err)
	}
	return &req, nil
}

func (r *requestRepo) List(dbc dbctx.Context, filter ListFilter) ([]*generation.GenerationRequest, error) {
	q := dbc.DB(r.db).Model(&generation.GenerationRequest{})
	if len(filter.Statuses) > 0 {
		q = q.Where("status IN ?", filter.Statuses)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var out []*generation.GenerationRequest
	if err := q.Order("updated_at DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, mapError("list generation requests", err)
	}
	return out, nil
}

// monotonic keeps updated_at from moving backwards when clocks disagree.
func monotonic(now time.Time) interface{} {
	return gorm.Expr("CASE WHEN updated_at > ? THEN updated_at ELSE ? END", now, now)
}

func (r *requestRepo) Transition(dbc dbctx.Context, id uuid.UUID, from, to generation.Status, fields map[string]interface{}) (bool, error) {
	if !generation.CanTransition(from, to) {
		return false, fmt.Errorf("transition %s -> %s: %w", from, to, ErrInvalidTransition)
	}
	updates := make(map[string]interface{}, len(fields)+8)
	for k, v := range fields {
		updates[k] = v
	}
	updates["status"] = to
	updates["updated_at"] = monotonic(r.clock())
	if _, ok := updates["attempt_count"]; !ok {
		updates["attempt_count"] = 0
	}
	if to != generation.StatusAwaitingClarification {
		updates["clarification"] = nil
	}
	if from == generation.StatusAwaitingClarification {
		updates["resubmitted_at"] = nil
	}
	if to.Absorbing() || to == generation.StatusAwaitingClarification {
		updates["claimed_by"] = ""
		updates["claimed_at"] = nil
		updates["heartbeat_at"] = nil
	}

	q := dbc.DB(r.db).Model(&generation.GenerationRequest{}).
		Where("id = ? AND status = ?", id, from)
	if to != generation.StatusCancelled && to != generation.StatusFailed {
		q = q.Where("cancel_requested_at IS NULL")
	}
	res := q.UpdateColumns(updates)
	if res.Error != nil {
		return false, mapError("transition generation request", res.Error)
	}
	ok := res.RowsAffected > 0
	if ok {
		r.log.Debug("Status transition", "request_id", id, "from", from, "to", to)
	}
	return ok, nil
}

func (r *requestRepo) IncrementAttempt(dbc dbctx.Context, id uuid.UUID, status generation.Status) (bool, error) {
	res := dbc.DB(r.db).Model(&generation.GenerationRequest{}).
		Where("id = ? AND status = ?", id, status).
		UpdateColumn("attempt_count", gorm.Expr("attempt_count + 1"))
	if res.Error != nil {
		return false, mapError("increment attempt", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Claim takes the processing lease for a non-absorbing request. lease names
// a single delivery. It succeeds only when the lease is free or its holder
// stopped heartbeating for longer than leaseTimeout; a held lease is never
// re-entered, even by the same token.
func (r *requestRepo) Claim(dbc dbctx.Context, id uuid.UUID, lease string, leaseTimeout time.Duration) (bool, error) {
	now := r.clock()
	stale := now.Add(-leaseTimeout)
	res := dbc.DB(r.db).Model(&generation.GenerationRequest{}).
		Where("id = ? AND status NOT IN ?", id, absorbingStatuses()).
		Where("(claimed_by IS NULL OR claimed_by = '' OR heartbeat_at IS NULL OR heartbeat_at < ?)", stale).
		UpdateColumns(map[string]interface{}{
			"claimed_by":   lease,
			"claimed_at":   now,
			"heartbeat_at": now,
		})
	if res.Error != nil {
		return false, mapError("claim generation request", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (r *requestRepo) Heartbeat(dbc dbctx.Context, id uuid.UUID, lease string) (bool, error) {
	res := dbc.DB(r.db).Model(&generation.GenerationRequest{}).
		Where("id = ? AND claimed_by = ?", id, lease).
		UpdateColumn("heartbeat_at", r.clock())
	if res.Error != nil {
		return false, mapError("heartbeat generation request", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (r *requestRepo) Release(dbc dbctx.Context, id uuid.UUID, lease string) error {
	res := dbc.DB(r.db).Model(&generation.GenerationRequest{}).
		Where("id = ? AND claimed_by = ?", id, lease).
		UpdateColumns(map[string]interface{}{
			"claimed_by":   "",
			"claimed_at":   nil,
			"heartbeat_at": nil,
		})
	return mapError("release generation request", res.Error)
}

// RequestCancel flags a live request; the orchestrator honors it at the next
// stage boundary. Returns false for absorbing or already-flagged rows.
func (r *requestRepo) RequestCancel(dbc dbctx.Context, id uuid.UUID) (bool, error) {
	now := r.clock()
	res := dbc.DB(r.db).Model(&generation.GenerationRequest{}).
		Where("id = ? AND status NOT IN ? AND cancel_requested_at IS NULL", id, absorbingStatuses()).
		UpdateColumns(map[string]interface{}{
			"cancel_requested_at": now,
			"updated_at":          monotonic(now),
		})
	if res.Error != nil {
		return false, mapError("request cancel", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Resubmit stores an enriched query for a request waiting on clarification.
func (r *requestRepo) Resubmit(dbc dbctx.Context, id uuid.UUID, query string, interests []string) (bool, error) {
	now := r.clock()
	updates := map[string]interface{}{
		"learner_query":  query,
		"resubmitted_at": now,
		"updated_at":     monotonic(now),
	}
	if interests != nil {
		updates["declared_interests"] = generation.JSON(interests)
	}
	res := dbc.DB(r.db).Model(&generation.GenerationRequest{}).
		Where("id = ? AND status = ? AND cancel_requested_at IS NULL", id, generation.StatusAwaitingClarification).
		UpdateColumns(updates)
	if res.Error != nil {
		return false, mapError("resubmit generation request", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func absorbingStatuses() []generation.Status {
	return []generation.Status{generation.StatusCompleted, generation.StatusFailed, generation.StatusCancelled}
}
