package requests

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/rich1edwards/vividly-mvp-sub003/internal/domain/generation"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/pkg/dbctx"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/logger"
)

type DeadLetterRepo interface {
	// Create is idempotent per request id; a second record is ignored.
	Create(dbc dbctx.Context, dl *generation.DeadLetter) error
	GetByRequestID(dbc dbctx.Context, requestID uuid.UUID) (*generation.DeadLetter, error)
	List(dbc dbctx.Context, limit int) ([]*generation.DeadLetter, error)
}

type deadLetterRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewDeadLetterRepo(db *gorm.DB, baseLog *logger.Logger) DeadLetterRepo {
	return &deadLetterRepo{db: db, log: baseLog.With("repo", "DeadLetterRepo")}
}

func (r *deadLetterRepo) Create(dbc dbctx.Context, dl *generation.DeadLetter) error {
	if dl == nil {
		return nil
	}
	if dl.ID == uuid.Nil {
		dl.ID = uuid.New()
	}
	if dl.CreatedAt.IsZero() {
		dl.CreatedAt = time.Now().UTC()
	}
	res := dbc.DB(r.db).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "request_id"}},
		DoNothing: true,
	}).Create(dl)
	if res.Error != nil {
		return mapError("create dead letter", res.Error)
	}
	if res.RowsAffected > 0 {
		r.log.Warn("Dead letter recorded",
			"request_id", dl.RequestID,
			"last_stage", dl.LastStage,
			"attempt_count", dl.AttemptCount,
			"error_kind", dl.ErrorKind,
		)
	}
	return nil
}

func (r *deadLetterRepo) GetByRequestID(dbc dbctx.Context, requestID uuid.UUID) (*generation.DeadLetter, error) {
	var dl generation.DeadLetter
	if err := dbc.DB(r.db).Where("request_id = ?", requestID).Take(&dl).Error; err != nil {
		return nil, mapError("get dead letter", err)
	}
	return &dl, nil
}

func (r *deadLetterRepo) List(dbc dbctx.Context, limit int) ([]*generation.DeadLetter, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var out []*generation.DeadLetter
	if err := dbc.DB(r.db).Order("created_at DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, mapError("list dead letters", err)
	}
	return out, nil
}
