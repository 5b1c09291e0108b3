package db

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed all:migrations/sqlite
var sqliteMigrations embed.FS

//go:embed all:migrations/postgres
var postgresMigrations embed.FS

// runMigrations executes all pending migrations for the given database type.
// It opens a separate connection for the migration to avoid golang-migrate
// closing the application's main connection via m.Close().
func runMigrations(dbType, dsn string) error {
	m, err := NewMigrator(dbType, dsn)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration failed: %w", err)
	}

	return nil
}

// NewMigrator creates a golang-migrate instance for the given database type
// using embedded SQL migration files. It opens its own connection; callers
// own closing the returned migrator.
func NewMigrator(dbType, dsn string) (*migrate.Migrate, error) {
	var driverName string
	switch dbType {
	case "sqlite":
		driverName = "sqlite"
	case "postgres":
		driverName = "postgres"
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}

	conn, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open migration connection: %w", err)
	}

	m, err := newMigrator(conn, dbType)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return m, nil
}

// newMigrator builds the migrate.Migrate instance over an open connection.
func newMigrator(conn *sql.DB, dbType string) (*migrate.Migrate, error) {
	var migrationFS fs.FS
	var err error

	switch dbType {
	case "sqlite":
		migrationFS, err = fs.Sub(sqliteMigrations, "migrations/sqlite")
	case "postgres":
		migrationFS, err = fs.Sub(postgresMigrations, "migrations/postgres")
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create sub filesystem: %w", err)
	}

	source, err := iofs.New(migrationFS, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	var driver database.Driver
	switch dbType {
	case "sqlite":
		driver, err = migratesqlite.WithInstance(conn, &migratesqlite.Config{})
		if err != nil {
			return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
		}
	case "postgres":
		driver, err = migratepostgres.WithInstance(conn, &migratepostgres.Config{})
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres driver: %w", err)
		}
	}

	m, err := migrate.NewWithInstance("iofs", source, dbType, driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}

	return m, nil
}
