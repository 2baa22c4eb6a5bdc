// Package storage is the SQL persistence layer: the durable check store and
// a key-value table used for cache and session state. SQLite is the default;
// postgres:// DSNs use lib/pq.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/joss/comply/internal/store"
)

// DB is an open database with the schema applied.
type DB struct {
	db       *sql.DB
	driver   string
	location string
}

var _ store.Store = (*DB)(nil)

// Open connects to dsn. A postgres:// or postgresql:// URL selects
// Postgres; anything else is treated as a SQLite file path.
func Open(ctx context.Context, dsn string) (*DB, error) {
	driver, source := "sqlite3", dsn
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		driver = "postgres"
	} else {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		source = dsn + "?_journal=WAL&_timeout=5000"
	}

	db, err := sql.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	d := &DB{db: db, driver: driver, location: dsn}
	if err := d.Ping(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := d.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

func (d *DB) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS checks (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			content_text TEXT NOT NULL,
			content_type TEXT NOT NULL,
			platform TEXT NOT NULL,
			overall_status TEXT NOT NULL,
			compliance_score INTEGER NOT NULL,
			result_json TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checks_user_created ON checks(user_id, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, s := range stmts {
		if _, err := d.db.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// Driver returns the database/sql driver name in use.
func (d *DB) Driver() string {
	return d.driver
}

// Ping verifies the connection is alive.
func (d *DB) Ping(ctx context.Context) error {
	if err := d.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", store.ErrConnection, err)
	}
	return nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// rebind converts ? placeholders to $n for Postgres.
func (d *DB) rebind(query string) string {
	if d.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
