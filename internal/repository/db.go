package repository

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/timmy/imagenary/internal/config"
	"github.com/timmy/imagenary/internal/domain"
	applog "github.com/timmy/imagenary/internal/logger"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// driver opens a dialector for the config and prepares the fresh connection.
type driver struct {
	dialector func(cfg *config.DatabaseConfig) (gorm.Dialector, error)
	prepare   func(db *gorm.DB) error
}

var drivers = map[string]driver{
	// Postgres stores embeddings as pgvector columns. PreferSimpleProtocol
	// keeps transaction poolers (Supabase port 6543) working.
	"postgres": {
		dialector: func(cfg *config.DatabaseConfig) (gorm.Dialector, error) {
			return postgres.New(postgres.Config{DSN: cfg.DSN(), PreferSimpleProtocol: true}), nil
		},
		prepare: func(db *gorm.DB) error {
			if err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
				return fmt.Errorf("failed to enable pgvector extension: %w", err)
			}
			return nil
		},
	},
	"sqlite": {
		dialector: func(cfg *config.DatabaseConfig) (gorm.Dialector, error) {
			if cfg.Path == "" {
				return nil, fmt.Errorf("sqlite database path is required")
			}
			if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
			return sqlite.Open(cfg.Path + "?_busy_timeout=5000"), nil
		},
		prepare: func(db *gorm.DB) error {
			return db.Exec("PRAGMA journal_mode=WAL").Error
		},
	},
}

// InitDB opens the record database and migrates the image_records table.
// An empty driver means sqlite.
func InitDB(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	name := cfg.Driver
	if name == "" {
		name = "sqlite"
	}
	drv, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	applog.Default().WithField(applog.FieldComponent, "db").
		Infof("Opening record store with driver %q", name)

	dialector, err := drv.dialector(cfg)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", name, err)
	}
	if err := drv.prepare(db); err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB instance: %w", err)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.AutoMigrate(&domain.ImageRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return db, nil
}
