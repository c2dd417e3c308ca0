package main

import (
	"fmt"
	"log/slog"

	"github.com/phrazzld/genqueue/internal/config"
	"github.com/phrazzld/genqueue/internal/platform/logger"
	"github.com/spf13/cobra"
)

// Version is set at build time
var Version = "dev"

// rootOptions holds flags shared by every subcommand.
type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "genqueue",
		Short: "Durable LLM generation queue with provider failover",
		Long: `genqueue persists generation tasks, runs them on a worker pool and
dispatches each one to the highest-priority healthy provider.

Configuration is read from config.yaml (or --config) and GENQUEUE_*
environment variables.`,
		Version:      Version,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a config file")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newMigrateCmd(opts))
	cmd.AddCommand(newEnqueueCmd(opts))
	return cmd
}

// loadConfig loads configuration and sets up the default logger.
func loadConfig(opts *rootOptions) (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadFile(opts.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.Setup(cfg.Server)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up logger: %w", err)
	}

	log.Debug("configuration loaded",
		slog.Int("port", cfg.Server.Port),
		slog.String("log_level", cfg.Server.LogLevel),
		slog.String("database_driver", cfg.Database.Driver),
		slog.Bool("database_url_present", cfg.Database.URL != ""))
	return cfg, log, nil
}
