// Package testutil provides shared test infrastructure for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// PGTest opens a test database connection, applies the goose migrations from
// the migrations/ directory, and returns the *sql.DB plus a cleanup function.
//
// Tests should call this at the top:
//
//	db, cleanup := testutil.PGTest(t)
//	defer cleanup()
//
// POSTGRES_URL selects an existing database. Without it a throwaway
// postgres:16 container is started; if Docker is unavailable the test is
// skipped. The cleanup function truncates all application tables.
func PGTest(t *testing.T) (*sql.DB, func()) {
	t.Helper()
	ctx := context.Background()

	dbURL := os.Getenv("POSTGRES_URL")
	terminate := func() {}
	if dbURL == "" {
		container, err := postgres.Run(ctx,
			"postgres:16",
			postgres.WithDatabase("holdfast_test"),
			postgres.WithUsername("holdfast"),
			postgres.WithPassword("holdfast"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second)),
		)
		if err != nil {
			t.Skipf("POSTGRES_URL not set and no container runtime available: %v", err)
		}
		terminate = func() { _ = container.Terminate(ctx) }

		dbURL, err = container.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			terminate()
			t.Fatalf("pgtest: container connection string: %v", err)
		}
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		terminate()
		t.Fatalf("pgtest: open database: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		terminate()
		t.Fatalf("pgtest: connect to database: %v", err)
	}

	if err := goose.SetDialect("postgres"); err != nil {
		t.Fatalf("pgtest: goose dialect: %v", err)
	}
	goose.SetLogger(goose.NopLogger())
	if err := goose.UpContext(ctx, db, findMigrationsDir(t)); err != nil {
		_ = db.Close()
		terminate()
		t.Fatalf("pgtest: run migrations: %v", err)
	}

	cleanup := func() {
		truncateAll(ctx, db)
		_ = db.Close()
		terminate()
	}

	return db, cleanup
}

// findMigrationsDir walks up from the test working directory to find
// the project-level migrations/ directory.
func findMigrationsDir(t *testing.T) string {
	t.Helper()

	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("pgtest: getwd: %v", err)
	}

	for {
		candidate := filepath.Join(dir, "migrations")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatalf("pgtest: could not find migrations/ directory walking up from cwd")
		}
		dir = parent
	}
}

// truncateAll truncates all application tables, leaving goose's version
// table alone so migrations are not re-applied.
func truncateAll(ctx context.Context, db *sql.DB) {
	rows, err := db.QueryContext(ctx, `
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public'
		  AND tablename <> 'goose_db_version'
	`)
	if err != nil {
		return
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err == nil {
			tables = append(tables, name)
		}
	}

	if len(tables) > 0 {
		// Table names come from pg_tables system catalog, not user input.
		stmt := "TRUNCATE " + strings.Join(tables, ", ") + " CASCADE" // #nosec G202 -- table names from pg_tables, not user input
		_, _ = db.ExecContext(ctx, stmt)                              // #nosec G104 -- best-effort cleanup in test teardown
	}
}
