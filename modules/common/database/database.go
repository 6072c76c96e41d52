package database

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"quel-generation-server/modules/common/config"
	"quel-generation-server/modules/common/model"
)

// Connect - DB_DRIVER 에 따라 gorm 연결 생성, DB_AUTO_MIGRATE 면 스키마 생성
func Connect(cfg *config.Config, log *zap.Logger) (*gorm.DB, error) {
	log = log.Named("database")
	log.Info("🔌 Connecting to database", zap.String("driver", cfg.DBDriver))

	db, err := Open(cfg.DBDriver, cfg.DatabaseURL, log)
	if err != nil {
		return nil, err
	}

	if cfg.DBAutoMigrate {
		log.Info("🛠️ Running auto-migrate")
		if err := Migrate(db); err != nil {
			return nil, err
		}
	}

	log.Info("✅ Database connected")
	return db, nil
}

// Open - driver(postgres|sqlite) + dsn 으로 gorm.DB 생성
func Open(driver, dsn string, log *zap.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported db driver: %s", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: NewGormLogger(log, 200*time.Millisecond),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if driver == "sqlite" {
		// sqlite 는 writer 하나만 허용
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
		if err := db.Exec("PRAGMA busy_timeout = 5000").Error; err != nil {
			log.Warn("⚠️ Failed to set sqlite busy_timeout", zap.Error(err))
		}
	} else {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(100)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	return db, nil
}

// Migrate - 개발용 스키마 생성 (운영은 별도 마이그레이션)
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(model.AllModels()...); err != nil {
		return fmt.Errorf("auto-migrate failed: %w", err)
	}
	return nil
}
