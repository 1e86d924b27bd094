package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/uptrace/bun/migrate"

	"github.com/zonegate/zonegate/internal/backend"
	"github.com/zonegate/zonegate/internal/bootstrap"
	"github.com/zonegate/zonegate/internal/db/bunx"
	"github.com/zonegate/zonegate/internal/migrations"
	"github.com/zonegate/zonegate/internal/secrets"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Run first-start seeding without serving",
	Long: `Applies pending migrations, installs the built-in providers, and
creates the default admin account. A no-op when an admin already exists.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := bunx.NewDB(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer bunx.Close(db)

		ctx := cmd.Context()
		migrator := migrate.NewMigrator(db, migrations.Migrations)
		if err := migrator.Init(ctx); err != nil {
			return fmt.Errorf("failed to initialize migrator: %w", err)
		}
		if _, err := migrator.Migrate(ctx); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}

		hasher, err := secrets.NewHasher(cfg.BcryptCost)
		if err != nil {
			return err
		}
		registry := backend.NewRegistry(cfg.BackendDeadline)
		if err := registry.RegisterBuiltins(cfg.ProviderEnabled); err != nil {
			return err
		}

		seeder := &bootstrap.Seeder{
			DB:       db,
			Registry: registry,
			Config:   cfg,
			Hasher:   hasher,
			Logger:   logger,
		}
		return seeder.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(seedCmd)
}
