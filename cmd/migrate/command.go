package main

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	"github.com/onnwee/meeting-tender/backend/db"
)

func runCommand(cmd string, database *sql.DB) error {
	switch cmd {
	case "up":
		if err := db.RunMigrationsFromPath(database, os.Getenv("MIGRATIONS_PATH")); err != nil {
			return err
		}
	case "down":
		if err := db.MigrateDown(database); err != nil {
			return err
		}
	case "version":
	default:
		return fmt.Errorf("unknown command %q (up|down|version)", cmd)
	}
	version, dirty, err := db.GetMigrationVersion(database)
	if err != nil {
		return err
	}
	slog.Info("schema version", slog.Uint64("version", uint64(version)), slog.Bool("dirty", dirty))
	return nil
}
