// Package storage is the coordinator's persistence layer. It implements
// every Store interface the domain packages declare (identity.Store,
// envelope.VaultStore, envelope.HandleStore, dataset.Store,
// coordinator.Store, proof.Store) against a single database/sql
// handle, backed by either SQLite (modernc.org/sqlite, the zero-config
// "lite mode" default) or Postgres (lib/pq) when DATABASE_URL is set —
// mirroring the teacher's cmd/helm lite_mode.go / main.go split.
package storage

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect identifies which SQL placeholder/feature set to emit.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// DB wraps a *sql.DB with the dialect needed to build portable queries
// across SQLite and Postgres, since the two disagree on placeholder
// syntax ("?" vs "$1") and upsert spelling.
type DB struct {
	*sql.DB
	Dialect Dialect
}

// Open connects to databaseURL if non-empty (Postgres via lib/pq), else
// to a SQLite file at sqlitePath ("lite mode").
func Open(databaseURL, sqlitePath string) (*DB, error) {
	if databaseURL != "" {
		sqlDB, err := sql.Open("postgres", databaseURL)
		if err != nil {
			return nil, fmt.Errorf("storage: open postgres: %w", err)
		}
		if err := sqlDB.Ping(); err != nil {
			return nil, fmt.Errorf("storage: ping postgres: %w", err)
		}
		return &DB{DB: sqlDB, Dialect: DialectPostgres}, nil
	}

	sqlDB, err := sql.Open("sqlite", sqlitePath)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	if _, err := sqlDB.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return nil, fmt.Errorf("storage: set wal mode: %w", err)
	}
	return &DB{DB: sqlDB, Dialect: DialectSQLite}, nil
}

// OpenSQLiteMemory opens an in-memory SQLite database, used by tests.
func OpenSQLiteMemory() (*DB, error) {
	sqlDB, err := sql.Open("sqlite", "file::memory:?cache=shared")
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite memory: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	return &DB{DB: sqlDB, Dialect: DialectSQLite}, nil
}

// rebind rewrites a query written with "?" placeholders into the
// dialect's native form. SQLite accepts "?" as-is; Postgres needs $1,
// $2, ... in positional order.
func (d *DB) rebind(query string) string {
	if d.Dialect == DialectSQLite {
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

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "duplicate key")
}
