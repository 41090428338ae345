// Command migrate applies or inspects the database schema outside the server.
//
// Usage:
//
//	migrate up|down|version
//
// DB_DSN selects the database. MIGRATIONS_PATH (file://dir) overrides the
// migrations embedded in the binary for "up".
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/onnwee/meeting-tender/backend/config"
	"github.com/onnwee/meeting-tender/backend/db"
)

func main() {
	slog.SetDefault(slog.New(config.NewHandler(os.Stdout, os.Getenv("LOG_FORMAT"), slog.LevelInfo)))
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: migrate up|down|version")
		os.Exit(2)
	}
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		slog.Error("DB_DSN environment variable is required")
		os.Exit(1)
	}
	database, err := db.Connect(dsn)
	if err != nil {
		slog.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer database.Close()

	if err := runCommand(os.Args[1], database); err != nil {
		slog.Error("migrate failed", slog.String("command", os.Args[1]), slog.Any("error", err))
		_ = database.Close()
		os.Exit(1)
	}
}
