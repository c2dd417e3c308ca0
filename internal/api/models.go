package api

import (
	"encoding/json"
	"time"

	"github.com/phrazzld/genqueue/internal/router"
	"github.com/phrazzld/genqueue/internal/task"
)

// EnqueueTaskRequest defines the payload for POST /tasks.
type EnqueueTaskRequest struct {
	// Type selects the executor. Only "generation" is currently accepted.
	Type    string          `json:"type"    validate:"required,oneof=generation"`
	Payload json.RawMessage `json:"payload" validate:"required"`
}

// TaskResponse is the public view of a task.
type TaskResponse struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	Status       string    `json:"status"`
	AttemptCount int       `json:"attempt_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	LastError    string    `json:"last_error,omitempty"`
	Result       string    `json:"result,omitempty"`
	Provider     string    `json:"provider,omitempty"`
}

// ResumeResponse reports how many paused tasks were moved back to pending.
type ResumeResponse struct {
	Resumed int `json:"resumed"`
}

// ProvidersResponse lists breaker and latency state per provider.
type ProvidersResponse struct {
	Providers []router.ProviderStatus `json:"providers"`
}

// StatsResponse combines store counts with worker counters.
type StatsResponse struct {
	Tasks  map[task.Status]int `json:"tasks"`
	Worker *task.Stats         `json:"worker,omitempty"`
}

func taskToResponse(t *task.Task) TaskResponse {
	return TaskResponse{
		ID:           t.ID.String(),
		Type:         t.Type,
		Status:       string(t.Status),
		AttemptCount: t.AttemptCount,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
		LastError:    t.LastError,
		Result:       t.Result,
		Provider:     t.Provider,
	}
}
