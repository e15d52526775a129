package store

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	slogGorm "github.com/orandin/slog-gorm"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/plugin/opentelemetry/tracing"
)

// Open connects to the sqlite database at location, creating the file (and its parent directory) if needed.
//
// The returned handle is safe for concurrent use. It is limited to a single open connection, so the engine sees one writer at a time; the schema is not migrated, call [MigrateToLatest] before using any of the tables.
func Open(location string, logger *slog.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if location == "" {
		return nil, fmt.Errorf("database location is required")
	}

	// in-memory and URI-style locations don't get a directory
	if location != ":memory:" && !strings.HasPrefix(location, "file:") {
		if err := os.MkdirAll(filepath.Dir(location), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	// lock conflicts and missing keys surface as query errors; callers handle those
	gormLogger := slogGorm.New(
		slogGorm.WithLogger(logger.With("component", "store")),
		slogGorm.SetLogLevel(slogGorm.ErrorLogType, slog.LevelDebug),
	)
	// writers take the database lock at BEGIN, so concurrent migrations serialize instead of failing mid-transaction
	dsn := location
	if strings.Contains(dsn, "?") {
		dsn += "&_txlock=immediate"
	} else {
		dsn += "?_txlock=immediate"
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		SkipDefaultTransaction: true,
		TranslateError:         true,
		Logger:                 gormLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	rawDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get raw DB from gorm: %w", err)
	}
	rawDB.SetMaxOpenConns(1)
	rawDB.SetConnMaxIdleTime(time.Hour)

	// query spans nest under the store operation spans; a no-op until a tracer provider is installed
	if err := db.Use(tracing.NewPlugin()); err != nil {
		rawDB.Close()
		return nil, fmt.Errorf("failed to install DB tracing: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=normal;",
		"PRAGMA busy_timeout=5000;",
	} {
		if err := db.Exec(pragma).Error; err != nil {
			rawDB.Close()
			return nil, fmt.Errorf("failed to set %q: %w", pragma, err)
		}
	}

	return db, nil
}

// Close releases the underlying database handle.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("error getting sql db: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("error closing db: %w", err)
	}
	return nil
}
