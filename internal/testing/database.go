package testing

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/teranos/cradle/db"
)

// CreateTestDB creates a migrated cradle database in a temp directory.
// Automatically registers cleanup via t.Cleanup().
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()
	return OpenTestDB(t, filepath.Join(t.TempDir(), "cradle.db"))
}

// OpenTestDB opens and migrates the database at path. Opening the same path
// twice gives two independent connections to one file, as two processes
// sharing a data directory would have.
func OpenTestDB(t *testing.T, path string) *sql.DB {
	t.Helper()

	database, err := db.OpenWithMigrations(path, nil)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	// Register cleanup
	t.Cleanup(func() {
		database.Close()
	})

	return database
}
