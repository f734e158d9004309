package database

import (
	"path/filepath"
	"testing"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewTestDB opens a migrated database in a per-test temp directory and closes
// it when the test ends.
func NewTestDB(t testing.TB) *gorm.DB {
	t.Helper()
	return OpenTestDB(t, filepath.Join(t.TempDir(), "test.db"))
}

// OpenTestDB opens the database file at path so several simulated units in
// one test can share it.
func OpenTestDB(t testing.TB, path string) *gorm.DB {
	t.Helper()
	db, err := Open(path)
	if err != nil {
		t.Fatalf("open test DB: %v", err)
	}
	db.Logger = logger.Default.LogMode(logger.Silent)
	t.Cleanup(func() { Close(db) })
	return db
}
