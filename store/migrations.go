package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm"
)

var (
	ErrUnknownMigration = errors.New("database history contains an unknown migration")
	ErrMigrationOrder   = errors.New("pending migration sorts before an applied migration")
)

// A single schema version. IDs are compared as strings, so they need to sort lexicographically ("001", "002", ...).
//
// Down must be the exact inverse of Up.
type Migration struct {
	ID   string
	Up   func(tx *gorm.DB) error
	Down func(tx *gorm.DB) error
}

// Returned when a migration step fails. Nothing from the failed batch is left applied.
type MigrationError struct {
	ID        string
	Direction string
	Err       error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration %s (%s) failed: %v", e.ID, e.Direction, e.Err)
}

func (e *MigrationError) Unwrap() error {
	return e.Err
}

type schemaMigration struct {
	ID        string    `gorm:"primaryKey"`
	AppliedAt time.Time `gorm:"not null"`
}

func (schemaMigration) TableName() string {
	return "schema_migrations"
}

func execSQL(stmts ...string) func(tx *gorm.DB) error {
	return func(tx *gorm.DB) error {
		for _, stmt := range stmts {
			if err := tx.Exec(stmt).Error; err != nil {
				return err
			}
		}
		return nil
	}
}

var migrations = []Migration{
	{
		ID: "001",
		Up: execSQL(
			`CREATE TABLE oauth_state ("key" TEXT PRIMARY KEY, state BLOB NOT NULL)`,
			`CREATE TABLE oauth_session ("key" TEXT PRIMARY KEY, session BLOB NOT NULL)`,
		),
		Down: execSQL(
			`DROP TABLE oauth_session`,
			`DROP TABLE oauth_state`,
		),
	},
	{
		ID:   "002",
		Up:   execSQL(`CREATE TABLE app_secrets ("key" TEXT PRIMARY KEY, value TEXT NOT NULL)`),
		Down: execSQL(`DROP TABLE app_secrets`),
	},
	{
		ID:   "003",
		Up:   execSQL(`CREATE TABLE oauth_lock ("key" TEXT PRIMARY KEY)`),
		Down: execSQL(`DROP TABLE oauth_lock`),
	},
	{
		// unix millis; rows written before this migration read as 0
		ID:   "004",
		Up:   execSQL(`ALTER TABLE oauth_lock ADD COLUMN acquired_at INTEGER NOT NULL DEFAULT 0`),
		Down: execSQL(`ALTER TABLE oauth_lock DROP COLUMN acquired_at`),
	},
	{
		// random per acquisition, so a holder whose row was reclaimed can't release the next holder's row
		ID:   "005",
		Up:   execSQL(`ALTER TABLE oauth_lock ADD COLUMN owner TEXT NOT NULL DEFAULT ''`),
		Down: execSQL(`ALTER TABLE oauth_lock DROP COLUMN owner`),
	},
}

// Applies every migration not yet recorded in the database, in ascending ID order.
//
// The whole batch runs in one transaction: if any step fails, the error is returned and none of the batch is recorded or left visible. Calling this on an up-to-date schema is a no-op.
func MigrateToLatest(ctx context.Context, db *gorm.DB) error {
	return migrateToLatest(ctx, db, migrations)
}

// Reverts the most recently applied migration. Returns nil if nothing has been applied.
func MigrateDown(ctx context.Context, db *gorm.DB) error {
	return migrateDown(ctx, db, migrations)
}

// Returns the IDs of applied migrations, in ascending order.
func AppliedMigrations(ctx context.Context, db *gorm.DB) ([]string, error) {
	tx := db.WithContext(ctx)
	if !tx.Migrator().HasTable(&schemaMigration{}) {
		return []string{}, nil
	}
	return appliedIDs(tx)
}

func ensureHistoryTable(tx *gorm.DB) error {
	return tx.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (id TEXT PRIMARY KEY, applied_at DATETIME NOT NULL)`).Error
}

func appliedIDs(tx *gorm.DB) ([]string, error) {
	var ids []string
	if err := tx.Model(&schemaMigration{}).Order("id ASC").Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("reading migration history: %w", err)
	}
	return ids, nil
}

func sortedMigrations(list []Migration) []Migration {
	sorted := make([]Migration, len(list))
	copy(sorted, list)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	return sorted
}

// figures out which migrations still need to run, validating the recorded history against the known list
func pendingMigrations(list []Migration, applied []string) ([]Migration, error) {
	known := make(map[string]bool, len(list))
	for _, m := range list {
		if known[m.ID] {
			return nil, fmt.Errorf("duplicate migration id: %s", m.ID)
		}
		known[m.ID] = true
	}

	done := make(map[string]bool, len(applied))
	latest := ""
	for _, id := range applied {
		if !known[id] {
			return nil, fmt.Errorf("%w: %s", ErrUnknownMigration, id)
		}
		done[id] = true
		if id > latest {
			latest = id
		}
	}

	var pending []Migration
	for _, m := range sortedMigrations(list) {
		if done[m.ID] {
			continue
		}
		if m.ID < latest {
			return nil, fmt.Errorf("%w: %s is pending but %s is applied", ErrMigrationOrder, m.ID, latest)
		}
		pending = append(pending, m)
	}
	return pending, nil
}

func migrateToLatest(ctx context.Context, db *gorm.DB, list []Migration) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureHistoryTable(tx); err != nil {
			return fmt.Errorf("creating migration history table: %w", err)
		}
		applied, err := appliedIDs(tx)
		if err != nil {
			return err
		}
		pending, err := pendingMigrations(list, applied)
		if err != nil {
			return err
		}
		for _, m := range pending {
			if err := m.Up(tx); err != nil {
				return &MigrationError{ID: m.ID, Direction: "up", Err: err}
			}
			if err := tx.Create(&schemaMigration{ID: m.ID, AppliedAt: time.Now().UTC()}).Error; err != nil {
				return &MigrationError{ID: m.ID, Direction: "up", Err: err}
			}
		}
		return nil
	})
}

func migrateDown(ctx context.Context, db *gorm.DB, list []Migration) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureHistoryTable(tx); err != nil {
			return fmt.Errorf("creating migration history table: %w", err)
		}
		applied, err := appliedIDs(tx)
		if err != nil {
			return err
		}
		if len(applied) == 0 {
			return nil
		}
		latest := applied[len(applied)-1]

		var target *Migration
		for i := range list {
			if list[i].ID == latest {
				target = &list[i]
				break
			}
		}
		if target == nil {
			return fmt.Errorf("%w: %s", ErrUnknownMigration, latest)
		}

		if err := target.Down(tx); err != nil {
			return &MigrationError{ID: target.ID, Direction: "down", Err: err}
		}
		if err := tx.Where("id = ?", target.ID).Delete(&schemaMigration{}).Error; err != nil {
			return &MigrationError{ID: target.ID, Direction: "down", Err: err}
		}
		return nil
	})
}
