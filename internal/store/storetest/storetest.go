// Package storetest provides a migrated SQLite database for tests in other packages.
package storetest

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"availability-backend/internal/db"
	"availability-backend/internal/store"
)

// NewDB opens a fresh file-backed SQLite database under t.TempDir and migrates it.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()
	gormDB, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := gormDB.DB()
	require.NoError(t, err)
	// SQLite allows one writer; a single connection keeps concurrent tests from hitting SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.Migrate(gormDB))
	return gormDB
}

// NewStore returns a Store over NewDB.
func NewStore(t testing.TB) store.Store {
	return store.NewGormStore(NewDB(t))
}
