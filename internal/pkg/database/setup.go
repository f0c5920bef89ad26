package database

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ManuelReschke/KogFlow/app/models"
	"github.com/ManuelReschke/KogFlow/internal/pkg/config"
)

const maxRetries = 5
const retryDelay = 5 * time.Second

// SetupDatabase connects with retries and migrates the schema.
func SetupDatabase(cfg config.DBConfig, debug bool) (*gorm.DB, error) {
	gormCfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)}
	if debug {
		gormCfg.Logger = logger.Default.LogMode(logger.Info)
	}

	var err error
	for i := 0; i < maxRetries; i++ {
		var db *gorm.DB
		db, err = gorm.Open(mysql.New(mysql.Config{
			DSN:                       cfg.DSN(), // data source name
			DefaultStringSize:         256,       // default size for string fields
			DisableDatetimePrecision:  true,
			DontSupportRenameIndex:    true,
			DontSupportRenameColumn:   true,
			SkipInitializeWithVersion: false,
		}), gormCfg)
		if err == nil {
			if err = AutoMigrate(db); err != nil {
				return nil, fmt.Errorf("auto migrate: %w", err)
			}
			log.Infof("[DB] Connected to %s:%s/%s", cfg.Host, cfg.Port, cfg.Name)
			return db, nil
		}

		log.Warnf("[DB] Failed to connect to database (try %d/%d): %v", i+1, maxRetries, err)
		if i < maxRetries-1 {
			log.Infof("[DB] Retrying in %v...", retryDelay)
			time.Sleep(retryDelay)
		}
	}
	return nil, err
}

// AutoMigrate creates or updates every table the service owns.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.Generation{},
		&models.Video{},
		&models.BillingSubscription{},
		&models.BillingWebhookEvent{},
	)
}
