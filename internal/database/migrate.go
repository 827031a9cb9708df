package database

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"bank-reconciliation/internal/config"
)

//go:embed migrations
var migrationsFS embed.FS

// NewMigrator builds a migrator for the configured driver. MIGRATION_DIR overrides the embedded scripts.
func NewMigrator(cfg *config.Config) (*migrate.Migrate, error) {
	if cfg.Migration.Dir != "" {
		return migrate.New(fmt.Sprintf("file://%s", cfg.Migration.Dir), cfg.GetMigrationDBURL())
	}

	src, err := iofs.New(migrationsFS, "migrations/"+cfg.Database.Driver)
	if err != nil {
		return nil, fmt.Errorf("load embedded migrations: %w", err)
	}
	return migrate.NewWithSourceInstance("iofs", src, cfg.GetMigrationDBURL())
}

// Migrate applies steps migrations (all pending when steps is 0). A negative
// steps value rolls back. Having nothing to apply is not an error.
func Migrate(cfg *config.Config, steps int) error {
	m, err := NewMigrator(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize migrate: %w", err)
	}
	defer m.Close()

	if steps != 0 {
		err = m.Steps(steps)
	} else {
		err = m.Up()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}
