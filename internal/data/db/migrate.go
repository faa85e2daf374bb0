package db

import (
	"gorm.io/gorm"

	"github.com/rich1edwards/vividly-mvp-sub003/internal/domain/generation"
)

func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(
		&generation.GenerationRequest{},
		&generation.DeadLetter{},
	)
}
