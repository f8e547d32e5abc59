package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/Veraticus/expense-flow/internal/vendor"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		Long: `Initialize or update the database schema to the latest version.

The built-in vendor alias table is seeded on first run; pass --no-seed to
start with an empty alias table.`,
		RunE: runMigrate,
	}

	cmd.Flags().Bool("no-seed", false, "Skip seeding the built-in vendor aliases")

	return cmd
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	noSeed, _ := cmd.Flags().GetBool("no-seed")

	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	slog.Info("Database schema is up to date", "database", a.cfg.Database.Path)

	if noSeed {
		return nil
	}
	added, err := a.store.SeedAliases(cmd.Context(), vendor.DefaultAliases())
	if err != nil {
		return fmt.Errorf("failed to seed vendor aliases: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render(fmt.Sprintf("✓ Migrations complete, %d vendor aliases seeded", added)))
	return nil
}
