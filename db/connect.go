package db

import (
	"time"

	"github.com/Fi44er/custody_ledger/internal/models"
	"github.com/Fi44er/custody_ledger/utils"
	"gorm.io/driver/postgres"

	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

func ConnectDb(url string, log *utils.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN:                  url,
		PreferSimpleProtocol: true,
	}), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Error),
	})

	if err != nil {
		return nil, err
	}

	log.Info("✅ Database connection successfully")

	log.Info("📦 Setting database connection pool...")
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	sqlDB.SetMaxIdleConns(20)
	sqlDB.SetMaxOpenConns(200)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return db, nil
}

func Migrate(db *gorm.DB, trigger bool, log *utils.Logger) error {
	if !trigger {
		return nil
	}

	log.Info("📦 Migrating database...")
	if err := db.AutoMigrate(models.AllModels()...); err != nil {
		log.Errorf("✖ Failed to migrate database: %v", err)
		return err
	}

	log.Info("📦 Creating indexes...")
	if err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_withdraw_requests_queue
		ON withdraw_requests (network, status, created_at)`).Error; err != nil {
		log.Errorf("✖ Failed to create queue index: %v", err)
		return err
	}

	if err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_withdraw_requests_one_pending
		ON withdraw_requests (user_id)
		WHERE status IN ('CREATED', 'VERIFIED', 'QUEUED', 'IN_FLIGHT')`).Error; err != nil {
		log.Errorf("✖ Failed to create pending index: %v", err)
		return err
	}

	log.Info("✅ Database migrated successfully")
	return nil
}
