package main

import (
	"fmt"

	"github.com/phrazzld/genqueue/internal/store"
	"github.com/spf13/cobra"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate [up|down|status|version]",
		Short: "Manage the task store schema",
		Long: `Run a schema migration command against the configured database.
Defaults to "up". The memory driver has no schema.`,
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{store.MigrateUp, store.MigrateDown, store.MigrateStatus, store.MigrateVersion},
		RunE: func(cmd *cobra.Command, args []string) error {
			command := store.MigrateUp
			if len(args) == 1 {
				command = args[0]
			}

			cfg, logger, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if _, err := migrationsFor(cfg.Database.Driver); err != nil {
				return err
			}

			ctx := cmd.Context()
			db, err := openDatabase(ctx, cfg.Database, logger)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer func() { _ = db.Close() }()

			if err := runMigrations(ctx, db, cfg.Database.Driver, command, logger); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrate %s: ok\n", command)
			return nil
		},
	}
}
