package migration

import (
	"database/sql"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang-migrate/migrate/v4/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openDriverDB opens a throwaway sqlite file over the shared pure-Go
// driver, the same registration the connection pool uses.
func openDriverDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "driver.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSQLiteDriver_VersionLifecycle(t *testing.T) {
	db := openDriverDB(t)
	drv, err := newSQLiteDriver(db, "schema_migrations")
	require.NoError(t, err)

	// Fresh database reports the nil version.
	version, dirty, err := drv.Version()
	require.NoError(t, err)
	assert.Equal(t, database.NilVersion, version)
	assert.False(t, dirty)

	require.NoError(t, drv.SetVersion(3, false))
	version, dirty, err = drv.Version()
	require.NoError(t, err)
	assert.Equal(t, 3, version)
	assert.False(t, dirty)

	// The version table holds exactly one row.
	require.NoError(t, drv.SetVersion(4, true))
	var rows int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&rows))
	assert.Equal(t, 1, rows)
	version, dirty, err = drv.Version()
	require.NoError(t, err)
	assert.Equal(t, 4, version)
	assert.True(t, dirty)
}

func TestSQLiteDriver_LockUnlock(t *testing.T) {
	db := openDriverDB(t)
	drv, err := newSQLiteDriver(db, "")
	require.NoError(t, err)

	require.NoError(t, drv.Lock())
	assert.ErrorIs(t, drv.Lock(), database.ErrLocked)
	require.NoError(t, drv.Unlock())
	assert.ErrorIs(t, drv.Unlock(), database.ErrNotLocked)
}

func TestSQLiteDriver_RunAndDrop(t *testing.T) {
	db := openDriverDB(t)
	drv, err := newSQLiteDriver(db, "schema_migrations")
	require.NoError(t, err)

	err = drv.Run(strings.NewReader("CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT);"))
	require.NoError(t, err)
	_, err = db.Exec("INSERT INTO widgets (name) VALUES ('a')")
	require.NoError(t, err)

	// A failing statement rolls back and surfaces the query.
	err = drv.Run(strings.NewReader("INSERT INTO missing_table VALUES (1);"))
	require.Error(t, err)

	require.NoError(t, drv.Drop())
	var n int
	err = db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'").Scan(&n)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
