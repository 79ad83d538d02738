package db

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"calibration-backend/config"
	"calibration-backend/internal/model"
)

// Init opens the configured database and runs migrations.
func Init(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "", "sqlite":
		dsn := cfg.DSN
		if dsn == "" {
			if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
			dsn = SQLiteDSN(cfg.Path)
		}
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	logMode := logger.Warn
	if cfg.LogQueries {
		logMode = logger.Info
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logMode),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	slog.Info("database initialization complete", "driver", db.Dialector.Name())
	return db, nil
}

// SQLiteDSN builds the connection string for a SQLite file. WAL lets readers
// proceed while the single writer holds the write lock; immediate
// transactions take that lock up front instead of failing on upgrade.
func SQLiteDSN(path string) string {
	return "file:" + path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate"
}

// sqliteRecordsSchema declares the records table by hand. The sqlite driver
// renders an autoIncrement primary key as a bare rowid alias, and SQLite only
// stops reusing the ids of deleted rows when the column says AUTOINCREMENT.
var sqliteRecordsSchema = []string{
	`CREATE TABLE IF NOT EXISTS records (
		id integer PRIMARY KEY AUTOINCREMENT,
		machine text NOT NULL,
		volume real NOT NULL,
		date datetime NOT NULL,
		status text NOT NULL,
		image_key text,
		timestamp datetime NOT NULL,
		calibrator text NOT NULL,
		notes text
	)`,
	`CREATE INDEX IF NOT EXISTS idx_records_machine ON records(machine)`,
	`CREATE INDEX IF NOT EXISTS idx_records_date ON records(date)`,
}

// Migrate creates or updates the schema.
func Migrate(db *gorm.DB) error {
	models := []interface{}{&model.PushSubscription{}, &model.PushSubscriptionMachine{}}
	if db.Dialector.Name() == "sqlite" {
		for _, stmt := range sqliteRecordsSchema {
			if err := db.Exec(stmt).Error; err != nil {
				return fmt.Errorf("failed to create records table: %w", err)
			}
		}
	} else {
		models = append([]interface{}{&model.Record{}}, models...)
	}

	if err := db.AutoMigrate(models...); err != nil {
		return fmt.Errorf("automigrate failed: %w", err)
	}
	return nil
}

// SQLiteSnapshot returns a flush that writes a consistent copy of the database
// to dest. The copy is built next to dest and renamed into place so a crash
// never leaves a half written snapshot behind.
func SQLiteSnapshot(db *gorm.DB, dest string) (func(context.Context) error, error) {
	if db.Dialector.Name() != "sqlite" {
		return nil, fmt.Errorf("snapshots require sqlite, got %s", db.Dialector.Name())
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return func(ctx context.Context) error {
		tmp := dest + ".tmp"
		if err := os.Remove(tmp); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove stale snapshot: %w", err)
		}
		if err := db.WithContext(ctx).Exec("VACUUM INTO ?", tmp).Error; err != nil {
			return fmt.Errorf("vacuum into %s: %w", filepath.Base(tmp), err)
		}
		if err := os.Rename(tmp, dest); err != nil {
			return fmt.Errorf("failed to publish snapshot: %w", err)
		}
		return nil
	}, nil
}
