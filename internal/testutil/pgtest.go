// Package testutil provides shared test infrastructure for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

var gooseOnce sync.Once

// PGTest returns a pool on a migrated database plus a cleanup function.
//
// Tests should call this at the top:
//
//	pool, cleanup := testutil.PGTest(t)
//	defer cleanup()
//
// The database is POSTGRES_URL when set. Otherwise, with PG_TESTCONTAINERS=1,
// a throwaway postgres container is started. With neither the test is
// skipped. The cleanup function truncates all application tables.
func PGTest(t *testing.T) (*pgxpool.Pool, func()) {
	t.Helper()
	ctx := context.Background()

	dbURL := os.Getenv("POSTGRES_URL")
	terminate := func() {}
	if dbURL == "" {
		if os.Getenv("PG_TESTCONTAINERS") != "1" {
			t.Skip("POSTGRES_URL not set, skipping integration test")
		}
		dbURL, terminate = startContainer(t)
	}

	if err := migrate(ctx, dbURL, findMigrationsDir(t)); err != nil {
		terminate()
		t.Fatalf("pgtest: run migrations: %v", err)
	}

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		terminate()
		t.Fatalf("pgtest: open pool: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		terminate()
		t.Fatalf("pgtest: connect to database: %v", err)
	}
	truncateAll(ctx, pool)

	cleanup := func() {
		truncateAll(ctx, pool)
		pool.Close()
		terminate()
	}
	return pool, cleanup
}

func startContainer(t *testing.T) (string, func()) {
	t.Helper()
	ctx := context.Background()

	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("combinado_test"),
		tcpostgres.WithUsername("combinado"),
		tcpostgres.WithPassword("combinado"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("pgtest: start postgres container: %v", err)
	}
	terminate := func() { _ = testcontainers.TerminateContainer(ctr) }

	url, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		terminate()
		t.Fatalf("pgtest: container connection string: %v", err)
	}
	return url, terminate
}

// migrate applies the goose migrations over database/sql.
func migrate(ctx context.Context, dbURL, dir string) error {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return err
	}

	var dialectErr error
	gooseOnce.Do(func() { dialectErr = goose.SetDialect("postgres") })
	if dialectErr != nil {
		return dialectErr
	}
	return goose.UpContext(ctx, db, dir)
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

// truncateAll empties every application table. The goose version table is
// kept so the schema is not re-applied.
func truncateAll(ctx context.Context, pool *pgxpool.Pool) {
	rows, err := pool.Query(ctx, `
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public'
		  AND tablename <> 'goose_db_version'
	`)
	if err != nil {
		return
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err == nil {
			tables = append(tables, name)
		}
	}
	rows.Close()

	if len(tables) > 0 {
		// Table names come from pg_tables, not user input.
		_, _ = pool.Exec(ctx, "TRUNCATE "+strings.Join(tables, ", ")+" RESTART IDENTITY CASCADE")
	}
}
