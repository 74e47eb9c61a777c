package database

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	apperrors "stocktester/internal/errors"
	"stocktester/internal/logger"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrator handles database migrations
type Migrator struct {
	migrate *migrate.Migrate
	log     logger.Logger
}

// NewMigrator creates a migrator over the embedded migrations
func NewMigrator(db *DB) (*Migrator, error) {
	driver, err := postgres.WithInstance(db.DB, &postgres.Config{})
	if err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrCodeDBMigration, "failed to create postgres driver", err)
	}

	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrCodeDBMigration, "failed to open embedded migrations", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrCodeDBMigration, "failed to create migrator", err)
	}

	return &Migrator{migrate: m, log: db.log}, nil
}

// Up runs all pending migrations
func (m *Migrator) Up() error {
	if err := m.migrate.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return apperrors.NewAppError(apperrors.ErrCodeDBMigration, "failed to run migrations", err)
	}
	m.log.Info("Database migrations completed")
	return nil
}

// Down rolls back all migrations
func (m *Migrator) Down() error {
	if err := m.migrate.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return apperrors.NewAppError(apperrors.ErrCodeDBMigration, "failed to rollback migrations", err)
	}
	m.log.Info("Database migrations rolled back")
	return nil
}

// Version returns the current migration version
func (m *Migrator) Version() (uint, error) {
	version, dirty, err := m.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get migration version: %w", err)
	}
	if dirty {
		return version, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeDBMigration,
			"database is in dirty state", fmt.Sprintf("version %d", version), nil)
	}
	return version, nil
}

// Force sets the migration version without running migrations
func (m *Migrator) Force(version int) error {
	if err := m.migrate.Force(version); err != nil {
		return fmt.Errorf("failed to force migration version: %w", err)
	}
	m.log.Warn("Forced migration version", "version", version)
	return nil
}

// Close closes the migrator. The postgres driver also closes the pool it
// was created with, so call it only when the DB is no longer needed.
func (m *Migrator) Close() error {
	srcErr, dbErr := m.migrate.Close()
	if srcErr != nil {
		return fmt.Errorf("failed to close migration source: %w", srcErr)
	}
	if dbErr != nil {
		return fmt.Errorf("failed to close migrator: %w", dbErr)
	}
	return nil
}
