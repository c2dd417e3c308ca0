package task

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/genqueue/internal/generation"
)

// MemoryStore is an in-process TaskStore. Tasks are claimed in enqueue
// order. It backs the "memory" database driver and the package tests.
type MemoryStore struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*Task
	order []uuid.UUID // enqueue order
	now   func() time.Time
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: make(map[uuid.UUID]*Task),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue implements TaskStore
func (s *MemoryStore) Enqueue(ctx context.Context, task *Task) error {
	if err := task.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("%w: duplicate id %s", ErrInvalidTask, task.ID)
	}

	stored := task.Clone()
	now := s.now()
	stored.Status = StatusPending
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now

	s.tasks[stored.ID] = stored
	s.order = append(s.order, stored.ID)
	return nil
}

// Get implements TaskStore
func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return t.Clone(), nil
}

// FetchNext implements TaskStore
func (s *MemoryStore) FetchNext(ctx context.Context) (*Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.order {
		t := s.tasks[id]
		if t.Status != StatusPending {
			continue
		}
		t.Status = StatusInProgress
		t.AttemptCount++
		t.UpdatedAt = s.now()
		return t.Clone(), nil
	}
	return nil, nil
}

// MarkInProgress implements TaskStore
func (s *MemoryStore) MarkInProgress(ctx context.Context, id uuid.UUID) error {
	return s.transition(id, StatusInProgress, "")
}

// MarkCompleted implements TaskStore
func (s *MemoryStore) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	return s.transition(id, StatusCompleted, "")
}

// MarkFailed implements TaskStore
func (s *MemoryStore) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	return s.transition(id, StatusFailed, reason)
}

// MarkPausedForLimit implements TaskStore
func (s *MemoryStore) MarkPausedForLimit(ctx context.Context, id uuid.UUID, reason string) error {
	return s.transition(id, StatusPausedTokenLimit, reason)
}

func (s *MemoryStore) transition(id uuid.UUID, to Status, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}

	apply, err := CheckTransition(t.Status, to)
	if err != nil {
		return fmt.Errorf("%w: %s -> %s", err, t.Status, to)
	}
	if !apply {
		return nil
	}

	t.Status = to
	t.UpdatedAt = s.now()
	if reason != "" {
		t.LastError = reason
	}
	return nil
}

// ResumePaused implements TaskStore
func (s *MemoryStore) ResumePaused(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	now := s.now()
	for _, t := range s.tasks {
		if t.Status == StatusPausedTokenLimit {
			t.Status = StatusPending
			t.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

// RequeueStale implements TaskStore
func (s *MemoryStore) RequeueStale(ctx context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	now := s.now()
	cutoff := now.Add(-olderThan)
	for _, t := range s.tasks {
		if t.Status == StatusInProgress && t.UpdatedAt.Before(cutoff) {
			t.Status = StatusPending
			t.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

// Counts implements TaskStore
func (s *MemoryStore) Counts(ctx context.Context) (map[Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[Status]int)
	for _, t := range s.tasks {
		counts[t.Status]++
	}
	return counts, nil
}

// SaveResult implements ResultSink
func (s *MemoryStore) SaveResult(ctx context.Context, id uuid.UUID, provider string, resp generation.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	t.Result = resp.Text
	t.Provider = provider
	t.UpdatedAt = s.now()
	return nil
}

// List returns copies of all tasks in enqueue order
func (s *MemoryStore) List() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Task, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.tasks[id].Clone())
	}
	return out
}
