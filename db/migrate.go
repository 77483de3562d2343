package db

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrDirtySchema means a migration failed half way and needs manual repair.
var ErrDirtySchema = errors.New("database schema is dirty")

// schema opens a migrator over the embedded files. It is not closed: closing
// the postgres driver would close the shared database handle.
func schema(database *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}
	driver, err := postgres.WithInstance(database, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("postgres migrate driver: %w", err)
	}
	return migrate.NewWithInstance("iofs", src, "postgres", driver)
}

// RunMigrations brings the schema to the newest embedded version. Running it
// on an up-to-date database is a no-op.
func RunMigrations(database *sql.DB) error {
	log := slog.Default().With(slog.String("component", "db_migrate"))
	m, err := schema(database)
	if err != nil {
		return err
	}
	err = m.Up()
	switch {
	case errors.Is(err, migrate.ErrNoChange):
		log.Info("database schema is up to date")
		return nil
	case err != nil:
		return fmt.Errorf("apply migrations: %w", err)
	}
	version, dirty, err := m.Version()
	if err != nil {
		log.Warn("could not read schema version", slog.Any("err", err))
		return nil
	}
	if dirty {
		return fmt.Errorf("%w at version %d", ErrDirtySchema, version)
	}
	log.Info("migrations applied", slog.Uint64("version", uint64(version)))
	return nil
}

// RollbackMigration undoes the newest applied migration. With nothing applied it does nothing.
func RollbackMigration(database *sql.DB) error {
	m, err := schema(database)
	if err != nil {
		return err
	}
	if err := m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) && !isNoVersion(err) {
		return fmt.Errorf("roll back migration: %w", err)
	}
	return nil
}

// SchemaVersion returns the applied migration version, 0 on a fresh database.
func SchemaVersion(database *sql.DB) (version uint, dirty bool, err error) {
	m, err := schema(database)
	if err != nil {
		return 0, false, err
	}
	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read schema version: %w", err)
	}
	return version, dirty, nil
}

func isNoVersion(err error) bool {
	var short migrate.ErrShortLimit
	return errors.Is(err, migrate.ErrNilVersion) || errors.As(err, &short)
}
