package database

import (
	"fmt"
	stdlog "log"
	"os"
	"time"

	"github.com/ksred/klear-ephemeral/internal/database/migrations"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDatabase opens the durable SQLite database at path and runs migrations.
// Use a "file:<name>?mode=memory&cache=shared" path for a throwaway database.
func NewDatabase(path string) (*gorm.DB, error) {
	return open(path, stdlog.New(os.Stdout, "\r\n", stdlog.LstdFlags))
}

// newLogger reports slow queries and errors. Missing rows are an expected
// lookup outcome here, not an error.
func newLogger(w logger.Writer) logger.Interface {
	return logger.New(w, logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
}

func open(path string, w logger.Writer) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: newLogger(w),
	})
	if err != nil {
		return nil, err
	}

	// SQLite allows a single writer; serialise on one connection instead of
	// surfacing SQLITE_BUSY to callers.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.Exec("PRAGMA journal_mode=WAL;").Error; err != nil {
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := migrations.AddRecords(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := migrations.AddDelegations(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}
