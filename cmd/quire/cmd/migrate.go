package cmd

import (
	"context"
	"database/sql"
	"errors"

	"github.com/spf13/cobra"

	"github.com/jmcleod/quire/internal/config"
	"github.com/jmcleod/quire/storage/postgres"
)

var migrateDSN string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the PostgreSQL schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrationDB(cmd, postgres.Migrate)
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the applied state of every migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrationDB(cmd, postgres.MigrationStatus)
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrationDB(cmd, postgres.MigrateDown)
	},
}

// resolveMigrationDSN prefers the --dsn flag and falls back to the
// environment configuration.
func resolveMigrationDSN() (string, error) {
	if migrateDSN != "" {
		return migrateDSN, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return "", err
	}
	if cfg.PostgresDSN == "" {
		return "", errors.New("no DSN: pass --dsn or set QUIRE_POSTGRES_DSN")
	}
	return cfg.PostgresDSN, nil
}

func withMigrationDB(cmd *cobra.Command, fn func(context.Context, *sql.DB) error) error {
	dsn, err := resolveMigrationDSN()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	db, err := postgres.Open(ctx, dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(ctx, db)
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateUpCmd, migrateStatusCmd, migrateDownCmd)
	migrateCmd.PersistentFlags().StringVar(&migrateDSN, "dsn", "", "PostgreSQL connection string (default QUIRE_POSTGRES_DSN)")
}
