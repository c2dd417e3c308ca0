// Package openai implements generation.Client for OpenAI-compatible chat
// completion endpoints (OpenAI, DeepSeek and similar gateways).
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/phrazzld/genqueue/internal/config"
	"github.com/phrazzld/genqueue/internal/generation"
)

const (
	// DefaultBaseURL is the public OpenAI API.
	DefaultBaseURL = "https://api.openai.com/v1"

	// DefaultModel is used when neither config nor request names a model.
	DefaultModel = "gpt-4o-mini"

	// maxErrorBody bounds how much of an error response is read.
	maxErrorBody = 64 << 10
)

// Client talks to a chat completions endpoint.
type Client struct {
	id         string
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

var _ generation.Client = (*Client)(nil)

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// NewClient creates a client for one configured provider. Per-call
// deadlines come from the context; the HTTP client timeout is only a
// backstop.
func NewClient(cfg config.ProviderConfig, logger *slog.Logger, opts ...Option) (*Client, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: openai API key cannot be empty", generation.ErrInvalidConfig)
	}

	id := cfg.ID
	if id == "" {
		id = config.ProviderKindOpenAI
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}

	c := &Client{
		id:         id,
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		model:      model,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		logger:     logger.With(slog.String("component", "openai"), slog.String("provider", id)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
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

	body := ChatCompletionRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
	}
	if body.Model == "" {
		body.Model = c.model
	}
	if req.System != "" {
		body.Messages = append(body.Messages, Message{Role: "system", Content: req.System})
	}
	body.Messages = append(body.Messages, Message{Role: "user", Content: req.Prompt})

	completion, err := c.createChatCompletion(ctx, body)
	if err != nil {
		return generation.Response{}, err
	}

	if len(completion.Choices) == 0 {
		return generation.Response{}, generation.Permanent(c.id,
			fmt.Errorf("%w: no completion choices returned", generation.ErrInvalidResponse))
	}
	choice := completion.Choices[0]
	if choice.FinishReason == "content_filter" {
		return generation.Response{}, generation.Permanent(c.id,
			fmt.Errorf("%w: completion stopped by content filter", generation.ErrContentBlocked))
	}

	model := completion.Model
	if model == "" {
		model = body.Model
	}
	return generation.Response{
		Text:  choice.Message.Content,
		Model: model,
		Usage: generation.Usage{
			InputTokens:  completion.Usage.PromptTokens,
			OutputTokens: completion.Usage.CompletionTokens,
		},
	}, nil
}

func (c *Client) createChatCompletion(ctx context.Context, body ChatCompletionRequest) (*ChatCompletionResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, generation.Permanent(c.id, fmt.Errorf("failed to marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, generation.Permanent(c.id, fmt.Errorf("failed to create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.WarnContext(ctx, "completion request failed",
			slog.String("model", body.Model),
			slog.String("error", err.Error()))
		return nil, generation.Transient(c.id, fmt.Errorf("request failed: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		apiErr := decodeAPIError(resp)
		c.logger.WarnContext(ctx, "completion API returned an error",
			slog.String("model", body.Model),
			slog.Int("status", apiErr.StatusCode),
			slog.String("code", apiErr.Code),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()))
		return nil, classify(c.id, apiErr)
	}

	var completion ChatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return nil, generation.Transient(c.id, fmt.Errorf("%w: failed to parse response: %v", generation.ErrInvalidResponse, err))
	}

	c.logger.DebugContext(ctx, "completion succeeded",
		slog.String("model", completion.Model),
		slog.Int("completion_tokens", completion.Usage.CompletionTokens),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()))
	return &completion, nil
}

func decodeAPIError(resp *http.Response) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var envelope ErrorResponse
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope.Error.Message == "" {
		apiErr.Message = strings.TrimSpace(string(raw))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}

	apiErr.Message = envelope.Error.Message
	apiErr.Type = envelope.Error.Type
	switch code := envelope.Error.Code.(type) {
	case string:
		apiErr.Code = code
	case float64:
		apiErr.Code = fmt.Sprintf("%.0f", code)
	}
	return apiErr
}
