package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func noop(tx *gorm.DB) error { return nil }

func TestMigrateToLatest(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	db := openTestDB(t, testDBPath(t))

	applied, err := AppliedMigrations(ctx, db)
	require.NoError(err)
	require.Empty(applied)

	require.NoError(MigrateToLatest(ctx, db))
	for _, table := range []string{"oauth_state", "oauth_session", "app_secrets", "oauth_lock"} {
		require.True(tableExists(t, db, table), table)
	}
	require.True(columnExists(t, db, "oauth_lock", "acquired_at"))
	require.True(columnExists(t, db, "oauth_lock", "owner"))

	applied, err = AppliedMigrations(ctx, db)
	require.NoError(err)
	require.Equal([]string{"001", "002", "003", "004", "005"}, applied)

	// second run is a no-op
	require.NoError(MigrateToLatest(ctx, db))
	again, err := AppliedMigrations(ctx, db)
	require.NoError(err)
	require.Equal(applied, again)
}

func TestMigrateDown(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	db := testDB(t)

	require.NoError(MigrateDown(ctx, db))
	require.False(columnExists(t, db, "oauth_lock", "owner"))
	require.True(columnExists(t, db, "oauth_lock", "acquired_at"))

	require.NoError(MigrateDown(ctx, db))
	require.False(columnExists(t, db, "oauth_lock", "acquired_at"))
	require.True(tableExists(t, db, "oauth_lock"))

	require.NoError(MigrateDown(ctx, db))
	require.False(tableExists(t, db, "oauth_lock"))
	require.NoError(MigrateDown(ctx, db))
	require.False(tableExists(t, db, "app_secrets"))
	require.NoError(MigrateDown(ctx, db))
	require.False(tableExists(t, db, "oauth_state"))
	require.False(tableExists(t, db, "oauth_session"))

	applied, err := AppliedMigrations(ctx, db)
	require.NoError(err)
	require.Empty(applied)

	// nothing left to revert
	require.NoError(MigrateDown(ctx, db))

	// down is the exact inverse, so the schema can be rebuilt from scratch
	require.NoError(MigrateToLatest(ctx, db))
	require.True(columnExists(t, db, "oauth_lock", "acquired_at"))
}

func TestMigrateUnknownHistory(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	db := testDB(t)

	require.NoError(t, db.Create(&schemaMigration{ID: "999", AppliedAt: time.Now()}).Error)

	err := MigrateToLatest(ctx, db)
	assert.ErrorIs(err, ErrUnknownMigration)

	err = MigrateDown(ctx, db)
	assert.ErrorIs(err, ErrUnknownMigration)
}

func TestMigrateOrder(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, testDBPath(t))

	require.NoError(t, migrateToLatest(ctx, db, []Migration{
		{ID: "001", Up: noop, Down: noop},
		{ID: "003", Up: noop, Down: noop},
	}))

	err := migrateToLatest(ctx, db, []Migration{
		{ID: "001", Up: noop, Down: noop},
		{ID: "002", Up: noop, Down: noop},
		{ID: "003", Up: noop, Down: noop},
	})
	assert.ErrorIs(t, err, ErrMigrationOrder)
}

func TestMigrateFailureRollsBack(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	db := openTestDB(t, testDBPath(t))

	boom := errors.New("boom")
	list := append(append([]Migration{}, migrations...), Migration{
		ID: "006",
		Up: func(tx *gorm.DB) error {
			if err := tx.Exec(`CREATE TABLE half_done (id INTEGER)`).Error; err != nil {
				return err
			}
			return boom
		},
		Down: execSQL(`DROP TABLE half_done`),
	})

	err := migrateToLatest(ctx, db, list)
	require.ErrorIs(err, boom)
	var merr *MigrationError
	require.ErrorAs(err, &merr)
	require.Equal("006", merr.ID)
	require.Equal("up", merr.Direction)

	// none of the batch is visible, including the migrations that succeeded before the failure
	applied, err := AppliedMigrations(ctx, db)
	require.NoError(err)
	require.Empty(applied)
	require.False(tableExists(t, db, "half_done"))
	require.False(tableExists(t, db, "oauth_state"))
}

func TestPendingMigrations(t *testing.T) {
	assert := assert.New(t)

	list := []Migration{{ID: "002"}, {ID: "001"}, {ID: "003"}}

	pending, err := pendingMigrations(list, nil)
	assert.NoError(err)
	if assert.Len(pending, 3) {
		assert.Equal("001", pending[0].ID)
		assert.Equal("002", pending[1].ID)
		assert.Equal("003", pending[2].ID)
	}

	pending, err = pendingMigrations(list, []string{"001", "002"})
	assert.NoError(err)
	if assert.Len(pending, 1) {
		assert.Equal("003", pending[0].ID)
	}

	_, err = pendingMigrations([]Migration{{ID: "001"}, {ID: "001"}}, nil)
	assert.Error(err)
}
