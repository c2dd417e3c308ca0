package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/genqueue/internal/generation"
)

// Common errors
var (
	ErrNilDispatcher       = errors.New("dispatcher cannot be nil")
	ErrUnsupportedTaskType = errors.New("unsupported task type")
	ErrInvalidPayload      = errors.New("invalid task payload")
)

// resultSaveTimeout bounds the result write, which runs detached from the
// task deadline so that output already paid for is not lost to it.
const resultSaveTimeout = 10 * time.Second

// Dispatcher sends a generation request to some provider and reports which
// one answered
type Dispatcher interface {
	Dispatch(ctx context.Context, req generation.Request) (generation.Response, string, error)
}

// ResultSink stores generated output for a task
type ResultSink interface {
	SaveResult(ctx context.Context, taskID uuid.UUID, provider string, resp generation.Response) error
}

// GenerationPayload is the JSON payload of a generation task
type GenerationPayload struct {
	Prompt    string `json:"prompt" validate:"required"`
	System    string `json:"system,omitempty"`
	Model     string `json:"model,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty" validate:"gte=0"`
}

// Request converts the payload into a generation request
func (p GenerationPayload) Request() generation.Request {
	return generation.Request{
		Prompt:    p.Prompt,
		System:    p.System,
		Model:     p.Model,
		MaxTokens: p.MaxTokens,
	}
}

// GenerationExecutor runs generation tasks through a Dispatcher
type GenerationExecutor struct {
	dispatcher Dispatcher
	results    ResultSink
	logger     *slog.Logger
}

// NewGenerationExecutor creates an executor. results may be nil, in which
// case generated text is only logged by length.
func NewGenerationExecutor(dispatcher Dispatcher, results ResultSink, logger *slog.Logger) (*GenerationExecutor, error) {
	if dispatcher == nil {
		return nil, ErrNilDispatcher
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GenerationExecutor{
		dispatcher: dispatcher,
		results:    results,
		logger:     logger.With("component", "generation_executor"),
	}, nil
}

// Execute implements Executor. Dispatch errors are returned unwrapped so
// that their kind survives to classification.
func (e *GenerationExecutor) Execute(ctx context.Context, t *Task) error {
	if t.Type != TypeGeneration {
		return fmt.Errorf("%w: %q", ErrUnsupportedTaskType, t.Type)
	}

	var payload GenerationPayload
	if err := json.Unmarshal(t.Payload, &payload); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if payload.Prompt == "" {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, generation.ErrEmptyPrompt)
	}

	logger := e.logger.With("task_id", t.ID)

	resp, provider, err := e.dispatcher.Dispatch(ctx, payload.Request())
	if err != nil {
		return err
	}

	logger.Info("generation completed",
		"provider", provider,
		"model", resp.Model,
		"output_chars", len(resp.Text),
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens)

	if e.results == nil {
		return nil
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resultSaveTimeout)
	defer cancel()
	if err := e.results.SaveResult(saveCtx, t.ID, provider, resp); err != nil {
		logger.Error("generated output could not be stored",
			"provider", provider,
			"output_chars", len(resp.Text),
			"error", err)
		return fmt.Errorf("failed to save generation result: %w", err)
	}
	return nil
}
