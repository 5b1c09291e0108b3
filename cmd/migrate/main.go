// Command migrate operates Burrow's embedded schema migrations
// out-of-band. The daemon migrates on startup; this tool exists for
// operators who need to inspect, roll back, or repair the schema without
// starting the orchestrator.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"

	"github.com/burrowvpn/burrow/internal/config"
	"github.com/burrowvpn/burrow/internal/db"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: migrate [flags] <command>

Operate Burrow's embedded schema migrations.

Commands:
  up        apply all pending migrations
  down      roll back the most recent migration
  version   print the current schema version
  force N   mark the schema as version N without running anything

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	dbType := flag.String("db", envOr("BURROW_DB_TYPE", "sqlite"), "database backend: sqlite or postgres")
	dsn := flag.String("dsn", envOr("BURROW_DB_DSN", config.DefaultDBPath), "sqlite file path or postgres connection string")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	if err := run(*dbType, *dsn, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
}

func run(dbType, dsn string, args []string) error {
	m, err := db.NewMigrator(dbType, dsn)
	if err != nil {
		return err
	}
	defer m.Close()

	switch args[0] {
	case "up":
		err := m.Up()
		if err == migrate.ErrNoChange {
			fmt.Println("schema already up to date")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Println("migrations applied")
		return nil

	case "down":
		if err := m.Steps(-1); err != nil {
			return err
		}
		fmt.Println("rolled back one migration")
		return nil

	case "version":
		version, dirty, err := m.Version()
		if err == migrate.ErrNilVersion {
			fmt.Println("no migrations applied yet")
			return nil
		}
		if err != nil {
			return err
		}
		if dirty {
			fmt.Printf("%d (dirty: last migration failed midway)\n", version)
		} else {
			fmt.Println(version)
		}
		return nil

	case "force":
		if len(args) < 2 {
			return fmt.Errorf("force needs a version number")
		}
		version, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("bad version %q: %w", args[1], err)
		}
		if err := m.Force(version); err != nil {
			return err
		}
		fmt.Printf("schema forced to version %d\n", version)
		return nil

	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
