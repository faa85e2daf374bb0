package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/rich1edwards/vividly-mvp-sub003/internal/domain/generation"
)

// SeedRequest inserts a request in the given status and returns it.
func SeedRequest(tb testing.TB, gdb *gorm.DB, status generation.Status, mutate ...func(*generation.GenerationRequest)) *generation.GenerationRequest {
	tb.Helper()
	now := time.Now().UTC()
	req := &generation.GenerationRequest{
		ID:                uuid.New(),
		LearnerQuery:      "Explain Newton's third law using basketball",
		GradeLevel:        10,
		DeclaredInterests: generation.JSON([]string{"basketball"}),
		Status:            status,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	for _, fn := range mutate {
		fn(req)
	}
	if err := gdb.WithContext(context.Background()).Create(req).Error; err != nil {
		tb.Fatalf("seed request: %v", err)
	}
	return req
}

// Reload reads the current row.
func Reload(tb testing.TB, gdb *gorm.DB, id uuid.UUID) *generation.GenerationRequest {
	tb.Helper()
	var req generation.GenerationRequest
	if err := gdb.Where("id = ?", id).Take(&req).Error; err != nil {
		tb.Fatalf("reload request %s: %v", id, err)
	}
	return &req
}
