// Package db is the persistent store: ActivityStreams objects, ordered
// collections, local accounts and the durable delivery queue. It supports
// both SQLite (default, no external dependencies) and PostgreSQL (for
// larger deployments).
package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/onepagepub/onepagepub/internal/ap"
)

// dbtx is the subset of database/sql shared by *sql.DB and *sql.Tx, so the
// same query methods run standalone and inside a transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements every storage operation against a dbtx.
type queries struct {
	db     dbtx
	driver string
}

// Store wraps a database connection and implements ap.Store.
type Store struct {
	queries
	sdb *sql.DB
}

// Open opens a database connection. The URL can be:
//   - A file path like "onepagepub.db" → SQLite
//   - "sqlite:///path/to/file.db" → SQLite
//   - "postgres://..." → PostgreSQL
func Open(databaseURL string) (*Store, error) {
	driver, dsn := detectDriver(databaseURL)

	sdb, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if err := sdb.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if driver == "sqlite" {
		// SQLite performs best with WAL mode and a single writer.
		sdb.SetMaxOpenConns(1)
		if _, err := sdb.Exec("PRAGMA journal_mode=WAL"); err != nil {
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
		if _, err := sdb.Exec("PRAGMA foreign_keys=ON"); err != nil {
			return nil, fmt.Errorf("enable foreign_keys: %w", err)
		}
	}

	return &Store{queries: queries{db: sdb, driver: driver}, sdb: sdb}, nil
}

// WithTx runs fn inside one transaction. Any error rolls everything back,
// so an activity's side effects land atomically or not at all.
func (s *Store) WithTx(ctx context.Context, fn func(tx ap.Tx) error) error {
	sqlTx, err := s.sdb.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	q := &queries{db: sqlTx, driver: s.driver}
	if err := fn(q); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			slog.Error("rollback failed", "error", rbErr)
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Migrate runs all pending database migrations.
func (s *Store) Migrate() error {
	slog.Info("running database migrations")

	if s.driver == "sqlite" {
		return s.runMigrations(append(sqliteMigrations, commonMigrations...), false)
	}
	return s.runMigrations(append(postgresMigrations, commonMigrations...), true)
}

// commonMigrations lists DDL statements shared between SQLite and PostgreSQL.
// Any new migration must be appended here; driver-specific DDL lives in
// sqliteMigrations / postgresMigrations.
var commonMigrations = []string{
	`CREATE TABLE IF NOT EXISTS objects (
		id   TEXT PRIMARY KEY,
		data TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS collections (
		id          TEXT PRIMARY KEY,
		owner       TEXT NOT NULL DEFAULT '',
		role        TEXT NOT NULL DEFAULT '',
		private     INTEGER NOT NULL DEFAULT 0,
		total_items INTEGER NOT NULL DEFAULT 0,
		name_json   TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS collections_owner ON collections(owner)`,
	`CREATE TABLE IF NOT EXISTS accounts (
		username      TEXT PRIMARY KEY,
		password_hash TEXT NOT NULL,
		token         TEXT NOT NULL UNIQUE,
		actor_id      TEXT NOT NULL UNIQUE,
		private_key   TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS deliveries (
		id              TEXT PRIMARY KEY,
		activity_id     TEXT NOT NULL,
		activity        TEXT NOT NULL,
		sender          TEXT NOT NULL,
		recipient       TEXT NOT NULL,
		attempts        INTEGER NOT NULL DEFAULT 0,
		next_attempt_at BIGINT NOT NULL,
		created_at      BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS deliveries_due ON deliveries(next_attempt_at)`,
}

// collection_items needs a monotonically increasing insertion sequence for
// stable LIFO paging, which the two drivers spell differently.
var sqliteMigrations = []string{
	`CREATE TABLE IF NOT EXISTS collection_items (
		seq           INTEGER PRIMARY KEY AUTOINCREMENT,
		collection_id TEXT NOT NULL,
		item_id       TEXT NOT NULL,
		UNIQUE(collection_id, item_id)
	)`,
	`CREATE INDEX IF NOT EXISTS collection_items_coll ON collection_items(collection_id, seq)`,
}

var postgresMigrations = []string{
	`CREATE TABLE IF NOT EXISTS collection_items (
		seq           BIGSERIAL PRIMARY KEY,
		collection_id TEXT NOT NULL,
		item_id       TEXT NOT NULL,
		UNIQUE(collection_id, item_id)
	)`,
	`CREATE INDEX IF NOT EXISTS collection_items_coll ON collection_items(collection_id, seq)`,
}

func (s *Store) runMigrations(migrations []string, ignoreExists bool) error {
	for _, m := range migrations {
		if _, err := s.sdb.Exec(m); err != nil {
			// Ignore "already exists" errors on index creation for idempotency.
			if ignoreExists && strings.Contains(err.Error(), "already exists") {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	slog.Info("migrations complete")
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.sdb.Close()
}

// rebind converts ?-style placeholders to $n for PostgreSQL. Queries are
// written once in SQLite syntax; statements whose SQL differs beyond
// placeholders carry per-driver strings instead.
func (q *queries) rebind(query string) string {
	if q.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func detectDriver(u string) (driver, dsn string) {
	if strings.HasPrefix(u, "postgres://") || strings.HasPrefix(u, "postgresql://") {
		return "postgres", u
	}
	if strings.HasPrefix(u, "sqlite://") {
		return "sqlite", strings.TrimPrefix(u, "sqlite://")
	}
	// Treat bare paths as SQLite file paths.
	return "sqlite", u
}
