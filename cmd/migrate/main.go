package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/ManuelReschke/KogFlow/internal/pkg/config"
	"github.com/ManuelReschke/KogFlow/internal/pkg/env"
)

const defaultSource = "file://migrations"

func main() {
	env.SetupEnvFile()

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Could not load config: %v", err)
	}
	source := env.GetEnv("MIGRATIONS_SOURCE", defaultSource)
	log.Printf("Migrating %s@%s:%s/%s from %s", cfg.DB.User, cfg.DB.Host, cfg.DB.Port, cfg.DB.Name, source)

	m, err := migrate.New(source, cfg.DB.MigrateURL())
	if err != nil {
		log.Fatalf("Could not initialize migrations: %v", err)
	}

	runErr := run(m, os.Args[1], os.Args[2:])
	if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
		log.Printf("Could not close migration resources: %v, %v", srcErr, dbErr)
	}
	if errors.Is(runErr, errUsage) {
		usage()
		os.Exit(1)
	}
	if runErr != nil {
		log.Fatal(runErr)
	}
}

var errUsage = errors.New("usage")

func run(m *migrate.Migrate, command string, args []string) error {
	switch command {
	case "up":
		return report(m.Up(), "Migrations applied", "No change: database is up to date")

	case "down":
		if err := m.Steps(-1); err != nil {
			return fmt.Errorf("rollback failed: %w", err)
		}
		log.Println("Rolled back the last migration")
		return nil

	case "goto":
		if len(args) < 1 {
			return errUsage
		}
		version, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[0], err)
		}
		return report(m.Migrate(uint(version)),
			fmt.Sprintf("Migrated to version %d", version),
			fmt.Sprintf("No change: database is already at version %d", version))

	case "status":
		version, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			log.Println("No migrations applied yet")
			return nil
		}
		if err != nil {
			return fmt.Errorf("read version: %w", err)
		}
		suffix := ""
		if dirty {
			suffix = " (dirty, fix the schema and force the version)"
		}
		log.Printf("Current migration version: %d%s", version, suffix)
		return nil
	}
	return errUsage
}

func report(err error, done, unchanged string) error {
	switch {
	case errors.Is(err, migrate.ErrNoChange):
		log.Println(unchanged)
	case err != nil:
		return fmt.Errorf("migration failed: %w", err)
	default:
		log.Println(done)
	}
	return nil
}

func usage() {
	fmt.Println("Usage: migrate <command>")
	fmt.Println("Commands:")
	fmt.Println("  up     - apply all pending migrations")
	fmt.Println("  down   - roll back the last migration")
	fmt.Println("  goto N - migrate to version N")
	fmt.Println("  status - show the current migration version")
	fmt.Println("Set MIGRATIONS_SOURCE to read migrations from another location.")
}
