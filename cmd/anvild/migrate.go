package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/anvil-run/anvil/internal/config"
	"github.com/anvil-run/anvil/internal/ledger"
)

// buildMigrateCmd creates the "migrate" command group for the ledger's
// embedded schema.
func buildMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Ledger schema migration commands",
		Long: `Apply or inspect the sqlite ledger's embedded schema migrations.

The in-memory ledger (ANVIL_DB=:memory:) creates its schema directly on
open and has nothing to migrate; these commands operate on a file-backed
ledger only.`,
	}

	cmd.AddCommand(buildMigrateUpCmd())
	cmd.AddCommand(buildMigrateStatusCmd())

	return cmd
}

func buildMigrateUpCmd() *cobra.Command {
	var workspace string

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending ledger migrations",
		Example: `  # Apply all pending migrations against the default workspace
  anvild migrate up

  # Apply against a specific workspace
  anvild migrate up --workspace /srv/anvil-workspace`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(workspace)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.InMemoryDB() {
				fmt.Fprintln(cmd.OutOrStdout(), "in-memory ledger: nothing to migrate")
				return nil
			}
			if err := ledger.ApplySchema(cfg.DB); err != nil {
				return fmt.Errorf("apply schema: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ledger schema up to date")
			return nil
		},
	}

	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "Workspace root (default: ANVIL_WORKSPACE or cwd)")
	return cmd
}

func buildMigrateStatusCmd() *cobra.Command {
	var workspace string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the ledger schema's migration version",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(workspace)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.InMemoryDB() {
				fmt.Fprintln(cmd.OutOrStdout(), "in-memory ledger: no migration history")
				return nil
			}

			version, dirty, err := ledger.MigrationStatus(cfg.DB)
			if err != nil {
				return fmt.Errorf("read migration status: %w", err)
			}

			out := cmd.OutOrStdout()
			if version == 0 {
				fmt.Fprintln(out, "schema version: unapplied (run `anvild migrate up`)")
				return nil
			}
			fmt.Fprintf(out, "schema version: %d\n", version)
			if dirty {
				fmt.Fprintln(out, "warning: schema is marked dirty; a prior migration did not complete cleanly")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "Workspace root (default: ANVIL_WORKSPACE or cwd)")
	return cmd
}
