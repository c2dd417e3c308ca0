package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/phrazzld/genqueue/internal/config"
	"github.com/phrazzld/genqueue/internal/generation"
	"github.com/phrazzld/genqueue/internal/platform/gemini"
	"github.com/phrazzld/genqueue/internal/platform/openai"
	"github.com/phrazzld/genqueue/internal/router"
)

// buildProviders creates one router provider per configured upstream.
func buildProviders(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]router.Provider, error) {
	configs, err := cfg.ResolvedProviders()
	if err != nil {
		return nil, err
	}

	providers := make([]router.Provider, 0, len(configs))
	for _, pc := range configs {
		client, err := newGenerationClient(ctx, pc, logger)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", pc.ID, err)
		}
		providers = append(providers, router.Provider{
			ID:       pc.ID,
			Priority: pc.Priority,
			Timeout:  pc.Timeout,
			Client:   client,
		})
		logger.Info("provider configured",
			slog.String("provider", pc.ID),
			slog.String("kind", pc.Kind),
			slog.String("model", pc.Model),
			slog.Int("priority", pc.Priority))
	}
	return providers, nil
}

func newGenerationClient(ctx context.Context, pc config.ProviderConfig, logger *slog.Logger) (generation.Client, error) {
	switch pc.Kind {
	case config.ProviderKindGemini:
		return gemini.NewClient(ctx, pc, logger)
	case config.ProviderKindOpenAI:
		return openai.NewClient(pc, logger)
	default:
		return nil, fmt.Errorf("%w: unknown provider kind %q", generation.ErrInvalidConfig, pc.Kind)
	}
}
