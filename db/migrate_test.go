package db

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set; skipping migration test")
	}
	database, err := Connect(dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	return database
}

// cleanDatabase drops every table created by the migrations.
func cleanDatabase(t *testing.T, ctx context.Context, db *sql.DB) {
	t.Helper()
	for _, table := range []string{"search_index", "meeting_analytics", "topics", "action_items", "summaries",
		"participants", "transcript_segments", "audio_chunks", "meetings", "schema_migrations"} {
		if _, err := db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE"); err != nil {
			t.Fatalf("drop %s: %v", table, err)
		}
	}
}

func TestRunMigrations(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()
	cleanDatabase(t, ctx, database)

	if err := RunMigrations(database); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}

	for _, table := range []string{"meetings", "audio_chunks", "transcript_segments", "participants", "summaries", "search_index"} {
		var exists bool
		err := database.QueryRowContext(ctx, `SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_name = $1)`, table).Scan(&exists)
		if err != nil {
			t.Fatalf("failed to check table %s: %v", table, err)
		}
		if !exists {
			t.Errorf("table %s does not exist after migration", table)
		}
	}

	version, dirty, err := GetMigrationVersion(database)
	if err != nil {
		t.Fatalf("GetMigrationVersion() error = %v", err)
	}
	if dirty {
		t.Errorf("migration version is dirty")
	}
	if version != 2 {
		t.Errorf("migration version = %d, want 2", version)
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	database := openTestDB(t)
	cleanDatabase(t, context.Background(), database)

	for i := 0; i < 2; i++ {
		if err := RunMigrations(database); err != nil {
			t.Fatalf("run %d: RunMigrations() error = %v", i+1, err)
		}
	}
}

func TestMigrateDown(t *testing.T) {
	database := openTestDB(t)
	cleanDatabase(t, context.Background(), database)

	if err := RunMigrations(database); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}
	if err := MigrateDown(database); err != nil {
		t.Fatalf("MigrateDown() error = %v", err)
	}
	version, _, err := GetMigrationVersion(database)
	if err != nil {
		t.Fatalf("GetMigrationVersion() error = %v", err)
	}
	if version != 1 {
		t.Errorf("version after rollback = %d, want 1", version)
	}
}
