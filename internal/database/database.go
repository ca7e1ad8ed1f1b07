package database

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ksred/dex-execution-engine/internal/config"
	"github.com/ksred/dex-execution-engine/internal/types"
)

// Store connection pool bound; each operation acquires, uses, releases.
const maxOpenConns = 20

// NewDatabase opens the order store and runs migrations. Postgres is used
// when configured, otherwise the SQLite fallback.
func NewDatabase(cfg *config.Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	if cfg.UsePostgres() {
		dialector = postgres.Open(cfg.PostgresDSN())
	} else {
		dialector = sqlite.Open(cfg.Database.Path)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("access connection pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(maxOpenConns)

	if err := db.AutoMigrate(&types.Order{}); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}
