// Package store holds the SQL-backed persistence used by the audit core: the
// read-only view over the platform's event store and admin audit log, the
// integrity report tables, and idempotency-key housekeeping.
//
// All statements use $N placeholders and portable column types so the same
// code runs against SQLite (tests, single-node) and Postgres (production).
package store

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// OpenSQLite opens a SQLite database at the given path (":memory:" for an
// ephemeral one).
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite %s: %w", path, err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// table-lock errors under concurrent use.
	db.SetMaxOpenConns(1)
	return db, nil
}

// OpenPostgres opens a Postgres database from a DSN.
func OpenPostgres(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	return db, nil
}
