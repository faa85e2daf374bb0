package requests

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

var (
	ErrNotFound          = errors.New("generation request not found")
	ErrConflict          = errors.New("generation request conflict")
	ErrRetryable         = errors.New("generation store retryable")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// IsRetryable reports store failures worth redelivering.
func IsRetryable(err error) bool { return errors.Is(err, ErrRetryable) }

// mapError tags driver failures with the store's sentinels.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrConflict), errors.Is(err, ErrRetryable), errors.Is(err, ErrInvalidTransition):
		return fmt.Errorf("%s: %w", op, err)
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, errors.Join(ErrRetryable, err))
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch strings.TrimSpace(pgErr.Code) {
		case "23505":
			return fmt.Errorf("%s: %w", op, errors.Join(ErrConflict, err)) // unique_violation
		case "40001", "40P01", "55P03", "57014", "57P01":
			return fmt.Errorf("%s: %w", op, errors.Join(ErrRetryable, err)) // serialization/deadlock/lock/cancel/shutdown
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "duplicate key"), strings.Contains(msg, "unique constraint"):
		return fmt.Errorf("%s: %w", op, errors.Join(ErrConflict, err))
	case strings.Contains(msg, "database is locked"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "deadlock"),
		strings.Contains(msg, "timeout"):
		return fmt.Errorf("%s: %w", op, errors.Join(ErrRetryable, err))
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
