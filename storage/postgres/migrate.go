package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"

	"github.com/jmcleod/quire/storage/postgres/migrations"
)

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

func configureGoose() error {
	goose.SetBaseFS(migrations.FS)
	return goose.SetDialect("pgx")
}

// Migrate applies every pending embedded migration.
func Migrate(ctx context.Context, db *sql.DB) error {
	if err := configureGoose(); err != nil {
		return fmt.Errorf("configuring migrations: %w", err)
	}
	if err := gooseUpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// MigrationStatus prints the applied state of each embedded migration through
// goose's logger.
func MigrationStatus(ctx context.Context, db *sql.DB) error {
	if err := configureGoose(); err != nil {
		return fmt.Errorf("configuring migrations: %w", err)
	}
	return goose.StatusContext(ctx, db, ".")
}

// MigrateDown rolls back the most recent migration.
func MigrateDown(ctx context.Context, db *sql.DB) error {
	if err := configureGoose(); err != nil {
		return fmt.Errorf("configuring migrations: %w", err)
	}
	return goose.DownContext(ctx, db, ".")
}
