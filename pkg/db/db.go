// Package db opens the Relay's metadata database and migrates the registry
// and task tables.
package db

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/relaymesh/relay/pkg/audit"
	"github.com/relaymesh/relay/pkg/ha"
	"github.com/relaymesh/relay/pkg/registry"
	"github.com/relaymesh/relay/pkg/tasks"
)

// Config selects and tunes the metadata database.
type Config struct {
	// Type is postgres, mysql or sqlite.
	Type string
	DSN  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open connects to the database described by cfg.
func Open(cfg Config) (*gorm.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}
	var dialector gorm.Dialector
	switch strings.ToLower(cfg.Type) {
	case "", "postgres", "postgresql":
		dialector = postgres.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type %q (expected postgres, mysql or sqlite)", cfg.Type)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return gdb, nil
}

// Migrate creates or updates the registry and task tables. With lock set
// the migration runs under the cross-replica migration lock.
func Migrate(ctx context.Context, gdb *gorm.DB, lock ha.MigrationLocker, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if lock == nil {
		lock = ha.NewMigrationLocker(nil, "")
	}
	return lock.WithLock(ctx, func() error {
		start := time.Now()
		if err := registry.NewStore(gdb).AutoMigrate(); err != nil {
			return fmt.Errorf("migrate registry: %w", err)
		}
		if err := tasks.NewStore(gdb).AutoMigrate(); err != nil {
			return fmt.Errorf("migrate tasks: %w", err)
		}
		if err := audit.NewStore(gdb).AutoMigrate(); err != nil {
			return fmt.Errorf("migrate audit: %w", err)
		}
		logger.Info("database migrated", "dialect", gdb.Dialector.Name(), "took", time.Since(start).Round(time.Millisecond))
		return nil
	})
}
