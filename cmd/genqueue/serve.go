package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var skipMigrations bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run workers and the admin HTTP API",
		Long: `Open the task store, apply pending migrations, build the provider
router and start the worker pool, lease reaper, resume scheduler and
admin HTTP API. Stops gracefully on SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, logger, err := loadConfig(opts)
			if err != nil {
				return err
			}

			providers, err := buildProviders(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to configure providers: %w", err)
			}

			db, err := openStore(ctx, cfg.Database, !skipMigrations, logger)
			if err != nil {
				return fmt.Errorf("failed to open task store: %w", err)
			}

			app, err := newApplication(cfg, logger, db, providers)
			if err != nil {
				if db != nil {
					_ = db.Close()
				}
				return err
			}
			return app.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "do not apply migrations on startup")
	return cmd
}
