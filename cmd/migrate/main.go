// Command migrate runs database migrations via goose.
//
// Usage:
//
//	go run ./cmd/migrate up          # Apply all pending migrations
//	go run ./cmd/migrate down        # Roll back the last migration
//	go run ./cmd/migrate status      # Show migration status
//	go run ./cmd/migrate version     # Show current schema version
//	go run ./cmd/migrate redo        # Roll back and re-apply last migration
//
// DATABASE_URL is read from the environment or a local .env file.
// MIGRATIONS_DIR overrides the default ./migrations directory.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/mbd888/holdfast/internal/logging"
)

const defaultMigrationsDir = "migrations"

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <command>")
		fmt.Println("Commands: up, down, status, version, redo, up-to <version>, down-to <version>")
		os.Exit(1)
	}

	_ = godotenv.Load()
	logger := logging.New(os.Getenv("LOG_LEVEL"), "text")

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		logger.Error("DATABASE_URL environment variable is required")
		os.Exit(1)
	}
	dir := os.Getenv("MIGRATIONS_DIR")
	if dir == "" {
		dir = defaultMigrationsDir
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	if err := goose.RunContext(ctx, command, db, dir, args...); err != nil {
		logger.Error("migration failed", "command", command, "error", err)
		os.Exit(1)
	}
	logger.Info("migration finished", "command", command, "dir", dir)
}
