package repository

import (
	"time"

	"github.com/Fi44er/custody_ledger/utils"
	"gorm.io/gorm"
)

type Repository struct {
	db     *gorm.DB
	logger *utils.Logger
	now    func() time.Time
}

func NewRepository(db *gorm.DB, logger *utils.Logger) *Repository {
	return &Repository{db: db, logger: logger, now: time.Now}
}
