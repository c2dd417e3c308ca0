package task

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status represents the current state of a task
type Status string

// Possible task status values
const (
	StatusPending          Status = "pending"
	StatusInProgress       Status = "in_progress"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusPausedTokenLimit Status = "paused_token_limit"
)

// Task type constants
const (
	// TypeGeneration is a single prompt sent through the provider router
	TypeGeneration = "generation"
)

var (
	// ErrTaskNotFound is returned when a task ID does not exist in the store
	ErrTaskNotFound = errors.New("task not found")

	// ErrInvalidTransition is returned when a status change is not allowed
	// from the task's current status
	ErrInvalidTransition = errors.New("invalid task status transition")

	// ErrInvalidTask is returned when a task fails basic validation on enqueue
	ErrInvalidTask = errors.New("invalid task")
)

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusPausedTokenLimit:
		return true
	}
	return false
}

// IsTerminal reports whether s is a final status.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Task is a unit of background work
type Task struct {
	ID           uuid.UUID       `json:"id"`
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	Status       Status          `json:"status"`
	AttemptCount int             `json:"attempt_count"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	LastError    string          `json:"last_error,omitempty"`
	Result       string          `json:"result,omitempty"`
	Provider     string          `json:"provider,omitempty"`
}

// New creates a pending task with a fresh ID
func New(taskType string, payload json.RawMessage) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:        uuid.New(),
		Type:      taskType,
		Payload:   payload,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Validate checks the fields required to enqueue a task
func (t *Task) Validate() error {
	if t == nil {
		return ErrInvalidTask
	}
	if t.ID == uuid.Nil {
		return errors.Join(ErrInvalidTask, errors.New("id is required"))
	}
	if t.Type == "" {
		return errors.Join(ErrInvalidTask, errors.New("type is required"))
	}
	if len(t.Payload) > 0 && !json.Valid(t.Payload) {
		return errors.Join(ErrInvalidTask, errors.New("payload must be valid JSON"))
	}
	return nil
}

// Clone returns a deep copy of the task
func (t *Task) Clone() *Task {
	c := *t
	if t.Payload != nil {
		c.Payload = append(json.RawMessage(nil), t.Payload...)
	}
	return &c
}

// TaskStore persists tasks and their lifecycle transitions.
//
// FetchNext atomically claims the oldest pending task: it moves it to
// in_progress, increments AttemptCount and refreshes UpdatedAt, so two
// callers can never receive the same task. It returns nil, nil when no task
// is pending.
//
// The Mark methods move an in_progress task to its outcome. Marking a task
// that already has the requested status is a no-op; any other source status
// yields ErrInvalidTransition. MarkInProgress on an in_progress task only
// refreshes UpdatedAt and serves as a lease heartbeat; on any other status
// it returns ErrInvalidTransition.
// Version: 1.0
type TaskStore interface {
	// Enqueue persists a new pending task
	Enqueue(ctx context.Context, task *Task) error

	// Get returns a task by ID
	Get(ctx context.Context, id uuid.UUID) (*Task, error)

	// FetchNext claims the oldest pending task
	FetchNext(ctx context.Context) (*Task, error)

	// MarkInProgress refreshes the lease of a claimed task
	MarkInProgress(ctx context.Context, id uuid.UUID) error

	// MarkCompleted records success
	MarkCompleted(ctx context.Context, id uuid.UUID) error

	// MarkFailed records a terminal failure with its reason
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error

	// MarkPausedForLimit parks a task until provider quotas recover
	MarkPausedForLimit(ctx context.Context, id uuid.UUID, reason string) error

	// ResumePaused moves every paused_token_limit task back to pending and
	// returns how many were moved
	ResumePaused(ctx context.Context) (int, error)

	// RequeueStale moves in_progress tasks whose lease is older than
	// olderThan back to pending and returns how many were moved
	RequeueStale(ctx context.Context, olderThan time.Duration) (int, error)

	// Counts returns the number of tasks in each status
	Counts(ctx context.Context) (map[Status]int, error)
}

// Executor runs the work a task describes
// Version: 1.0
type Executor interface {
	Execute(ctx context.Context, task *Task) error
}

// ExecutorFunc adapts a function to the Executor interface
type ExecutorFunc func(ctx context.Context, task *Task) error

// Execute calls f(ctx, task)
func (f ExecutorFunc) Execute(ctx context.Context, task *Task) error {
	return f(ctx, task)
}

// CheckTransition validates moving a task from one status to another. It
// returns (false, nil) when the change is a repeat of the current status.
// Only FetchNext claims a pending task, so pending to in_progress is not a
// valid Mark transition; a heartbeat must not revive a requeued task.
func CheckTransition(from, to Status) (bool, error) {
	if from == to {
		if to == StatusInProgress {
			return true, nil
		}
		return false, nil
	}
	switch to {
	case StatusCompleted, StatusFailed, StatusPausedTokenLimit:
		if from == StatusInProgress {
			return true, nil
		}
	case StatusPending:
		if from == StatusInProgress || from == StatusPausedTokenLimit {
			return true, nil
		}
	}
	return false, ErrInvalidTransition
}
