// Package testutil holds shared helpers for package tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/onnwee/meeting-tender/backend/db"
)

// SetupTestDB connects to TEST_PG_DSN, applies migrations and empties the
// meeting tables. It skips the test when TEST_PG_DSN is not set.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.RunMigrations(database); err != nil {
		_ = database.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	// meetings cascades into every child table
	if _, err := database.ExecContext(context.Background(), `TRUNCATE meetings CASCADE`); err != nil {
		_ = database.Close()
		t.Fatalf("failed to truncate: %v", err)
	}
	t.Cleanup(func() {
		_ = database.Close()
	})
	return database
}
