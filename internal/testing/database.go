package testing

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/spendsweep/spendsweep/db"
)

// CreateTestDB creates an in-memory SQLite test database with the full
// schema applied. Automatically registers cleanup via t.Cleanup().
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	// Every pooled connection to :memory: would get its own empty database
	conn.SetMaxOpenConns(1)

	// Enable foreign keys
	if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("Failed to enable foreign keys: %v", err)
	}

	if err := db.Migrate(conn, nil); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
	})

	return conn
}

// InsertTestUser inserts a user row and returns its id.
func InsertTestUser(t *testing.T, conn *sql.DB, id, email string) string {
	t.Helper()

	_, err := conn.Exec(
		"INSERT INTO users (id, email, display_name) VALUES (?, ?, ?)",
		id, email, id,
	)
	if err != nil {
		t.Fatalf("Failed to insert test user %s: %v", id, err)
	}
	return id
}
