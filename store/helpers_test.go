package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func testDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "db", "test.sqlite")
}

func openTestDB(t *testing.T, path string) *gorm.DB {
	t.Helper()
	db, err := Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(db) })
	return db
}

// fresh, fully migrated database
func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db := openTestDB(t, testDBPath(t))
	require.NoError(t, MigrateToLatest(context.Background(), db))
	return db
}

func columnExists(t *testing.T, db *gorm.DB, table, column string) bool {
	t.Helper()
	var count int64
	require.NoError(t, db.Raw("SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?", table, column).Scan(&count).Error)
	return count > 0
}

func tableExists(t *testing.T, db *gorm.DB, table string) bool {
	t.Helper()
	var count int64
	require.NoError(t, db.Raw("SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&count).Error)
	return count > 0
}
