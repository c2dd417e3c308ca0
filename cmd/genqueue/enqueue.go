package main

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/phrazzld/genqueue/internal/api"
	"github.com/phrazzld/genqueue/internal/task"
	"github.com/spf13/cobra"
)

func newEnqueueCmd(opts *rootOptions) *cobra.Command {
	var (
		taskType string
		payload  string
		prompt   string
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Insert a pending task",
		Long: `Insert a pending task into the configured store and print its ID.

  genqueue enqueue --payload '{"prompt":"Summarise RFC 9110"}'
  genqueue enqueue --prompt "Summarise RFC 9110"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := enqueuePayload(payload, prompt)
			if err != nil {
				return err
			}
			if err := api.ValidatePayload(taskType, raw); err != nil {
				return err
			}

			cfg, logger, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if cfg.Database.Driver == driverMemory {
				return errNoDatabase
			}

			ctx := cmd.Context()
			db, err := openDatabase(ctx, cfg.Database, logger)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer func() { _ = db.Close() }()

			store, err := newQueueStore(cfg.Database.Driver, db)
			if err != nil {
				return err
			}

			t := task.New(taskType, raw)
			if err := store.Enqueue(ctx, t); err != nil {
				return fmt.Errorf("failed to enqueue task: %w", err)
			}

			logger.Info("task enqueued", slog.String("task_id", t.ID.String()), slog.String("task_type", t.Type))
			fmt.Fprintln(cmd.OutOrStdout(), t.ID.String())
			return nil
		},
	}
	cmd.Flags().StringVarP(&taskType, "type", "t", task.TypeGeneration, "task type")
	cmd.Flags().StringVarP(&payload, "payload", "p", "", "task payload as JSON")
	cmd.Flags().StringVar(&prompt, "prompt", "", "shortcut for a generation payload with only a prompt")
	cmd.MarkFlagsMutuallyExclusive("payload", "prompt")
	cmd.MarkFlagsOneRequired("payload", "prompt")
	return cmd
}

// enqueuePayload returns the JSON payload given either flag.
func enqueuePayload(payload, prompt string) (json.RawMessage, error) {
	if prompt != "" {
		return json.Marshal(task.GenerationPayload{Prompt: prompt})
	}
	if !json.Valid([]byte(payload)) {
		return nil, fmt.Errorf("%w: payload must be valid JSON", task.ErrInvalidPayload)
	}
	return json.RawMessage(payload), nil
}
