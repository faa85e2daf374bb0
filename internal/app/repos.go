package app

import (
	"gorm.io/gorm"

	"github.com/rich1edwards/vividly-mvp-sub003/internal/data/repos/requests"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/logger"
)

type Repos struct {
	Requests    requests.RequestRepo
	DeadLetters requests.DeadLetterRepo
}

func wireRepos(db *gorm.DB, log *logger.Logger) Repos {
	log.Info("Wiring repos...")
	return Repos{
		Requests:    requests.NewRequestRepo(db, log),
		DeadLetters: requests.NewDeadLetterRepo(db, log),
	}
}
