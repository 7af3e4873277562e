// Package storage persists fiscal documents and dead letters in SQL
// (SQLite for single-node deployments, PostgreSQL otherwise).
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DB is a database handle that knows its placeholder dialect.
type DB struct {
	*sql.DB
	driver string
}

// Open opens and migrates a database.
func Open(ctx context.Context, driver, dsn string) (*DB, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("storage: unsupported driver %q", driver)
	}
	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// modernc sqlite serializes writers; one connection avoids SQLITE_BUSY.
		sqlDB.SetMaxOpenConns(1)
	}
	db := &DB{DB: sqlDB, driver: driver}
	if err := db.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("storage: ping %s: %w", driver, err)
	}
	if err := db.migrate(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Driver returns the driver name.
func (db *DB) Driver() string {
	return db.driver
}

// Rebind converts ? placeholders to $n for PostgreSQL.
func (db *DB) Rebind(query string) string {
	if db.driver != DriverPostgres {
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

func (db *DB) migrate(ctx context.Context) error {
	blob := "BLOB"
	if db.driver == DriverPostgres {
		blob = "BYTEA"
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			access_key TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			environment TEXT NOT NULL,
			status TEXT NOT NULL,
			status_code TEXT,
			status_reason TEXT,
			protocol TEXT,
			audit_digest TEXT,
			body ` + blob + ` NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS documents_status ON documents (status)`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			access_key TEXT NOT NULL,
			event_type TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			status_code TEXT,
			protocol TEXT,
			body ` + blob + ` NOT NULL,
			registered_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS dead_letters (
			item_id TEXT PRIMARY KEY,
			access_key TEXT,
			envelope ` + blob + ` NOT NULL,
			attempts INTEGER NOT NULL,
			last_failure TEXT NOT NULL,
			first_enqueued_at TIMESTAMP NOT NULL,
			dead_at TIMESTAMP NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("storage: migrate: %w", err)
		}
	}
	return nil
}
