package task

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// MockTaskStore implements the TaskStore interface for testing. Every method
// delegates to its function field; NewMockTaskStore wires the fields to an
// in-memory store so tests only override what they need.
type MockTaskStore struct {
	*MemoryStore

	EnqueueFn            func(ctx context.Context, task *Task) error
	GetFn                func(ctx context.Context, id uuid.UUID) (*Task, error)
	FetchNextFn          func(ctx context.Context) (*Task, error)
	MarkInProgressFn     func(ctx context.Context, id uuid.UUID) error
	MarkCompletedFn      func(ctx context.Context, id uuid.UUID) error
	MarkFailedFn         func(ctx context.Context, id uuid.UUID, reason string) error
	MarkPausedForLimitFn func(ctx context.Context, id uuid.UUID, reason string) error
	ResumePausedFn       func(ctx context.Context) (int, error)
	RequeueStaleFn       func(ctx context.Context, olderThan time.Duration) (int, error)
	CountsFn             func(ctx context.Context) (map[Status]int, error)
}

// NewMockTaskStore creates a new MockTaskStore with default implementations
func NewMockTaskStore() *MockTaskStore {
	mem := NewMemoryStore()
	return &MockTaskStore{
		MemoryStore:          mem,
		EnqueueFn:            mem.Enqueue,
		GetFn:                mem.Get,
		FetchNextFn:          mem.FetchNext,
		MarkInProgressFn:     mem.MarkInProgress,
		MarkCompletedFn:      mem.MarkCompleted,
		MarkFailedFn:         mem.MarkFailed,
		MarkPausedForLimitFn: mem.MarkPausedForLimit,
		ResumePausedFn:       mem.ResumePaused,
		RequeueStaleFn:       mem.RequeueStale,
		CountsFn:             mem.Counts,
	}
}

func (s *MockTaskStore) Enqueue(ctx context.Context, task *Task) error {
	return s.EnqueueFn(ctx, task)
}

func (s *MockTaskStore) Get(ctx context.Context, id uuid.UUID) (*Task, error) {
	return s.GetFn(ctx, id)
}

func (s *MockTaskStore) FetchNext(ctx context.Context) (*Task, error) {
	return s.FetchNextFn(ctx)
}

func (s *MockTaskStore) MarkInProgress(ctx context.Context, id uuid.UUID) error {
	return s.MarkInProgressFn(ctx, id)
}

func (s *MockTaskStore) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	return s.MarkCompletedFn(ctx, id)
}

func (s *MockTaskStore) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	return s.MarkFailedFn(ctx, id, reason)
}

func (s *MockTaskStore) MarkPausedForLimit(ctx context.Context, id uuid.UUID, reason string) error {
	return s.MarkPausedForLimitFn(ctx, id, reason)
}

func (s *MockTaskStore) ResumePaused(ctx context.Context) (int, error) {
	return s.ResumePausedFn(ctx)
}

func (s *MockTaskStore) RequeueStale(ctx context.Context, olderThan time.Duration) (int, error) {
	return s.RequeueStaleFn(ctx, olderThan)
}

func (s *MockTaskStore) Counts(ctx context.Context) (map[Status]int, error) {
	return s.CountsFn(ctx)
}
