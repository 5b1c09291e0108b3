// Package db provides durable storage for sessions, the aggregate
// admission counter, client configs, and audit events. It supports SQLite
// (default) and PostgreSQL behind the same bun-based API.
//
// All session and aggregate updates are conditional on a version column.
// A write that matches zero rows returns ErrStaleVersion so that callers
// can re-read and retry; this is the only concurrency-control mechanism
// the orchestrator relies on.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	_ "modernc.org/sqlite"
)

// ctx returns a background context for bun queries.
func ctx() context.Context { return context.Background() }

// Sentinel errors returned by conditional operations.
var (
	// ErrStaleVersion indicates a conditional update lost a race: the row's
	// version no longer matches the expected value. Callers re-read and retry.
	ErrStaleVersion = errors.New("stale version: record was modified concurrently")

	// ErrNotFound indicates the keyed record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrConflict indicates an insert violated a uniqueness constraint:
	// the key already exists, or the row would break an invariant the
	// schema enforces (such as one live session per user).
	ErrConflict = errors.New("record already exists")
)

// isUniqueViolation reports whether err is a uniqueness violation from
// either backend. lib/pq exposes the SQLSTATE; modernc sqlite only gives
// us the constraint message.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint")
}

// DB wraps the bun.DB connection.
type DB struct {
	bun    *bun.DB
	dbType string
}

// DBType returns the database type ("sqlite" or "postgres").
func (db *DB) DBType() string {
	return db.dbType
}

// Open opens a SQLite database at the given path.
// This is a convenience wrapper around OpenDB.
func Open(dbPath string) (*DB, error) {
	return OpenDB("sqlite", dbPath)
}

// OpenDB opens a database connection for the given type and DSN,
// runs any pending migrations, and returns the DB handle.
func OpenDB(dbType, dsn string) (*DB, error) {
	var driverName string
	switch dbType {
	case "sqlite":
		driverName = "sqlite"
	case "postgres":
		driverName = "postgres"
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}

	// For SQLite in-memory databases, use shared cache so that the migration
	// connection (opened separately by golang-migrate) sees the same database.
	migrateDSN := dsn
	if dbType == "sqlite" && dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
		migrateDSN = dsn
	}

	conn, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dbType == "sqlite" {
		// busy_timeout waits up to 5 seconds for locks to clear
		if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to set busy_timeout: %w", err)
		}

		// WAL mode allows concurrent reads while writing
		if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}

		// Keep at least one connection open to prevent in-memory databases
		// from being destroyed when all connections close.
		conn.SetMaxIdleConns(1)
	}

	if err := runMigrations(dbType, migrateDSN); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	var bunDB *bun.DB
	switch dbType {
	case "sqlite":
		bunDB = bun.NewDB(conn, sqlitedialect.New())
	case "postgres":
		bunDB = bun.NewDB(conn, pgdialect.New())
	}

	return &DB{bun: bunDB, dbType: dbType}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.bun.Close()
}

// Ping verifies the database connection is alive.
func (db *DB) Ping() error {
	return db.bun.PingContext(ctx())
}
