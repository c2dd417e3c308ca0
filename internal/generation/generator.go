package generation

import "context"

// Request is a single generation call handed to a provider.
type Request struct {
	// Prompt is the user content to generate from.
	Prompt string `json:"prompt"`

	// System is an optional system instruction.
	System string `json:"system,omitempty"`

	// Model overrides the provider's configured model when non-empty.
	Model string `json:"model,omitempty"`

	// MaxTokens caps the response length; zero leaves the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// Usage reports token consumption for a call, when the provider returns it.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is the result of a successful generation call.
type Response struct {
	Text  string `json:"text"`
	Model string `json:"model,omitempty"`
	Usage Usage  `json:"usage"`
}

// Client is implemented by each provider adapter.
// Version: 1.0
type Client interface {
	// Generate performs one call. The context carries the per-call deadline.
	// Errors should be wrapped with Transient, UsageLimit or Permanent so
	// callers can classify them without string matching.
	Generate(ctx context.Context, req Request) (Response, error)
}

// ClientFunc adapts a plain function to the Client interface.
type ClientFunc func(ctx context.Context, req Request) (Response, error)

// Generate calls f(ctx, req).
func (f ClientFunc) Generate(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}
