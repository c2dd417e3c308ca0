package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/phrazzld/genqueue/internal/config"
	"github.com/phrazzld/genqueue/internal/generation"
	"google.golang.org/genai"
)

// DefaultModel is used when neither the provider config nor the request
// names a model.
const DefaultModel = "gemini-2.0-flash"

// Client implements generation.Client on top of the genai SDK.
type Client struct {
	id     string
	model  string
	client *genai.Client
	logger *slog.Logger
}

var _ generation.Client = (*Client)(nil)

// Option customises the underlying SDK client
type Option func(*genai.ClientConfig)

// WithHTTPClient routes SDK traffic through hc.
func WithHTTPClient(hc *http.Client) Option {
	return func(cc *genai.ClientConfig) {
		cc.HTTPClient = hc
	}
}

// NewClient creates a Gemini client for one configured provider.
func NewClient(ctx context.Context, cfg config.ProviderConfig, logger *slog.Logger, opts ...Option) (*Client, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: gemini API key cannot be empty", generation.ErrInvalidConfig)
	}

	id := cfg.ID
	if id == "" {
		id = config.ProviderKindGemini
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}

	clientConfig := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientConfig.HTTPOptions.BaseURL = cfg.BaseURL
	}
	for _, opt := range opts {
		opt(clientConfig)
	}

	sdk, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create Gemini client: %v", generation.ErrInvalidConfig, err)
	}

	return &Client{
		id:     id,
		model:  model,
		client: sdk,
		logger: logger.With(slog.String("component", "gemini"), slog.String("provider", id)),
	}, nil
}

// ID returns the provider identifier used in errors.
func (c *Client) ID() string {
	return c.id
}

// Generate implements generation.Client.
func (c *Client) Generate(ctx context.Context, req generation.Request) (generation.Response, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return generation.Response{}, generation.Permanent(c.id, generation.ErrEmptyPrompt)
	}

	model := req.Model
	if model == "" {
		model = c.model
	}

	var genConfig *genai.GenerateContentConfig
	if req.System != "" || req.MaxTokens > 0 {
		genConfig = &genai.GenerateContentConfig{}
		if req.System != "" {
			genConfig.SystemInstruction = &genai.Content{
				Parts: []*genai.Part{{Text: req.System}},
			}
		}
		if req.MaxTokens > 0 {
			genConfig.MaxOutputTokens = int32(req.MaxTokens)
		}
	}

	c.logger.DebugContext(ctx, "calling Gemini API",
		slog.String("model", model),
		slog.Int("prompt_length", len(req.Prompt)))

	resp, err := c.client.Models.GenerateContent(ctx, model, genai.Text(req.Prompt), genConfig)
	if err != nil {
		classified := classify(c.id, err)
		c.logger.WarnContext(ctx, "Gemini API call failed",
			slog.String("model", model),
			slog.String("error", err.Error()))
		return generation.Response{}, classified
	}

	text, err := extractText(resp)
	if err != nil {
		return generation.Response{}, generation.Permanent(c.id, err)
	}

	out := generation.Response{Text: text, Model: model}
	if resp.ModelVersion != "" {
		out.Model = resp.ModelVersion
	}
	if resp.UsageMetadata != nil {
		out.Usage = generation.Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	return out, nil
}

func extractText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil {
		return "", fmt.Errorf("%w: nil response", generation.ErrInvalidResponse)
	}
	if len(resp.Candidates) == 0 {
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			return "", fmt.Errorf("%w: prompt blocked (%s)", generation.ErrContentBlocked, resp.PromptFeedback.BlockReason)
		}
		return "", fmt.Errorf("%w: no content generated", generation.ErrInvalidResponse)
	}

	candidate := resp.Candidates[0]
	if candidate.FinishReason == genai.FinishReasonSafety {
		return "", fmt.Errorf("%w: content blocked by safety filters", generation.ErrContentBlocked)
	}
	if candidate.Content == nil {
		return "", fmt.Errorf("%w: empty content in response", generation.ErrInvalidResponse)
	}

	var b strings.Builder
	for _, part := range candidate.Content.Parts {
		if part == nil || part.Thought {
			continue
		}
		b.WriteString(part.Text)
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("%w: candidate has no text", generation.ErrInvalidResponse)
	}
	return b.String(), nil
}
