package testdb

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/genqueue/internal/generation"
	"github.com/phrazzld/genqueue/internal/store"
	"github.com/phrazzld/genqueue/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Clock is a settable time source for store tests.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at a fixed millisecond-aligned instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// StoreFactory builds a store over a fresh, empty tasks table.
type StoreFactory func(t *testing.T, clock *Clock) *store.SQLTaskStore

// RunTaskStoreSuite exercises the TaskStore contract against a SQL backend.
func RunTaskStoreSuite(t *testing.T, newStore StoreFactory) {
	t.Run("EnqueueAndGet", func(t *testing.T) {
		clock := NewClock()
		s := newStore(t, clock)
		ctx := context.Background()

		in := task.New(task.TypeGeneration, json.RawMessage(`{"prompt":"hello"}`))
		require.NoError(t, s.Enqueue(ctx, in))

		got, err := s.Get(ctx, in.ID)
		require.NoError(t, err)
		assert.Equal(t, in.ID, got.ID)
		assert.Equal(t, task.TypeGeneration, got.Type)
		assert.JSONEq(t, `{"prompt":"hello"}`, string(got.Payload))
		assert.Equal(t, task.StatusPending, got.Status)
		assert.Zero(t, got.AttemptCount)
		assert.WithinDuration(t, clock.Now(), got.UpdatedAt, time.Millisecond)
		assert.Empty(t, got.LastError)
	})

	t.Run("EmptyPayload", func(t *testing.T) {
		s := newStore(t, NewClock())
		ctx := context.Background()

		in := task.New("noop", nil)
		require.NoError(t, s.Enqueue(ctx, in))

		got, err := s.Get(ctx, in.ID)
		require.NoError(t, err)
		assert.Empty(t, got.Payload)
	})

	t.Run("GetUnknown", func(t *testing.T) {
		s := newStore(t, NewClock())

		_, err := s.Get(context.Background(), uuid.New())
		assert.ErrorIs(t, err, task.ErrTaskNotFound)
	})

	t.Run("EnqueueRejectsInvalidAndDuplicate", func(t *testing.T) {
		s := newStore(t, NewClock())
		ctx := context.Background()

		assert.ErrorIs(t, s.Enqueue(ctx, &task.Task{ID: uuid.New()}), task.ErrInvalidTask)

		in := task.New(task.TypeGeneration, nil)
		require.NoError(t, s.Enqueue(ctx, in))
		assert.ErrorIs(t, s.Enqueue(ctx, in), task.ErrInvalidTask)
	})

	t.Run("FetchNextClaimsInEnqueueOrder", func(t *testing.T) {
		s := newStore(t, NewClock())
		ctx := context.Background()

		none, err := s.FetchNext(ctx)
		require.NoError(t, err)
		assert.Nil(t, none)

		ids := make([]uuid.UUID, 3)
		for i := range ids {
			tk := task.New(task.TypeGeneration, nil)
			require.NoError(t, s.Enqueue(ctx, tk))
			ids[i] = tk.ID
		}

		for _, want := range ids {
			got, err := s.FetchNext(ctx)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, want, got.ID)
			assert.Equal(t, task.StatusInProgress, got.Status)
			assert.Equal(t, 1, got.AttemptCount)
		}

		none, err = s.FetchNext(ctx)
		require.NoError(t, err)
		assert.Nil(t, none)
	})

	t.Run("FetchNextHonoursCanceledContext", func(t *testing.T) {
		s := newStore(t, NewClock())
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := s.FetchNext(ctx)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("Transitions", func(t *testing.T) {
		s := newStore(t, NewClock())
		ctx := context.Background()

		a := task.New(task.TypeGeneration, nil)
		b := task.New(task.TypeGeneration, nil)
		require.NoError(t, s.Enqueue(ctx, a))
		require.NoError(t, s.Enqueue(ctx, b))

		assert.ErrorIs(t, s.MarkCompleted(ctx, a.ID), task.ErrInvalidTransition, "pending cannot complete")

		_, err := s.FetchNext(ctx)
		require.NoError(t, err)
		_, err = s.FetchNext(ctx)
		require.NoError(t, err)

		require.NoError(t, s.MarkCompleted(ctx, a.ID))
		require.NoError(t, s.MarkCompleted(ctx, a.ID), "repeat is a no-op")
		assert.ErrorIs(t, s.MarkFailed(ctx, a.ID, "late"), task.ErrInvalidTransition)

		require.NoError(t, s.MarkFailed(ctx, b.ID, "provider exploded"))
		got, err := s.Get(ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, task.StatusFailed, got.Status)
		assert.Equal(t, "provider exploded", got.LastError)

		assert.ErrorIs(t, s.MarkCompleted(ctx, uuid.New()), task.ErrTaskNotFound)
	})

	t.Run("PauseAndResume", func(t *testing.T) {
		s := newStore(t, NewClock())
		ctx := context.Background()

		tk := task.New(task.TypeGeneration, nil)
		require.NoError(t, s.Enqueue(ctx, tk))
		_, err := s.FetchNext(ctx)
		require.NoError(t, err)

		require.NoError(t, s.MarkPausedForLimit(ctx, tk.ID, "quota"))
		counts, err := s.Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, counts[task.StatusPausedTokenLimit])

		n, err := s.ResumePaused(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		again, err := s.FetchNext(ctx)
		require.NoError(t, err)
		require.NotNil(t, again)
		assert.Equal(t, tk.ID, again.ID)
		assert.Equal(t, 2, again.AttemptCount)
		assert.Equal(t, "quota", again.LastError)
	})

	t.Run("RequeueStaleRespectsHeartbeat", func(t *testing.T) {
		clock := NewClock()
		s := newStore(t, clock)
		ctx := context.Background()

		stale := task.New(task.TypeGeneration, nil)
		live := task.New(task.TypeGeneration, nil)
		require.NoError(t, s.Enqueue(ctx, stale))
		require.NoError(t, s.Enqueue(ctx, live))
		_, err := s.FetchNext(ctx)
		require.NoError(t, err)
		_, err = s.FetchNext(ctx)
		require.NoError(t, err)

		clock.Advance(10 * time.Minute)
		require.NoError(t, s.MarkInProgress(ctx, live.ID))

		n, err := s.RequeueStale(ctx, 5*time.Minute)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got, err := s.Get(ctx, stale.ID)
		require.NoError(t, err)
		assert.Equal(t, task.StatusPending, got.Status)

		got, err = s.Get(ctx, live.ID)
		require.NoError(t, err)
		assert.Equal(t, task.StatusInProgress, got.Status)
	})

	t.Run("HeartbeatDoesNotReclaimRequeued", func(t *testing.T) {
		clock := NewClock()
		s := newStore(t, clock)
		ctx := context.Background()

		tk := task.New(task.TypeGeneration, nil)
		require.NoError(t, s.Enqueue(ctx, tk))
		_, err := s.FetchNext(ctx)
		require.NoError(t, err)

		clock.Advance(10 * time.Minute)
		n, err := s.RequeueStale(ctx, 5*time.Minute)
		require.NoError(t, err)
		require.Equal(t, 1, n)

		assert.ErrorIs(t, s.MarkInProgress(ctx, tk.ID), task.ErrInvalidTransition)
		got, err := s.Get(ctx, tk.ID)
		require.NoError(t, err)
		assert.Equal(t, task.StatusPending, got.Status)
	})

	t.Run("Counts", func(t *testing.T) {
		s := newStore(t, NewClock())
		ctx := context.Background()

		for i := 0; i < 3; i++ {
			require.NoError(t, s.Enqueue(ctx, task.New(task.TypeGeneration, nil)))
		}
		claimed, err := s.FetchNext(ctx)
		require.NoError(t, err)
		require.NoError(t, s.MarkCompleted(ctx, claimed.ID))

		counts, err := s.Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, counts[task.StatusPending])
		assert.Equal(t, 1, counts[task.StatusCompleted])
		assert.Zero(t, counts[task.StatusFailed])
	})

	t.Run("SaveResult", func(t *testing.T) {
		s := newStore(t, NewClock())
		ctx := context.Background()

		tk := task.New(task.TypeGeneration, nil)
		require.NoError(t, s.Enqueue(ctx, tk))
		require.NoError(t, s.SaveResult(ctx, tk.ID, "gemini", generation.Response{Text: "answer"}))

		got, err := s.Get(ctx, tk.ID)
		require.NoError(t, err)
		assert.Equal(t, "answer", got.Result)
		assert.Equal(t, "gemini", got.Provider)

		err = s.SaveResult(ctx, uuid.New(), "gemini", generation.Response{Text: "x"})
		assert.ErrorIs(t, err, task.ErrTaskNotFound)
	})

	t.Run("ConcurrentClaimsAreExclusive", func(t *testing.T) {
		s := newStore(t, NewClock())
		ctx := context.Background()

		const tasks = 40
		for i := 0; i < tasks; i++ {
			require.NoError(t, s.Enqueue(ctx, task.New(task.TypeGeneration, nil)))
		}

		var (
			mu   sync.Mutex
			seen = make(map[uuid.UUID]int)
			wg   sync.WaitGroup
		)
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					tk, err := s.FetchNext(ctx)
					if err != nil || tk == nil {
						return
					}
					mu.Lock()
					seen[tk.ID]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, seen, tasks)
		for id, n := range seen {
			assert.Equal(t, 1, n, "task %s claimed more than once", id)
		}
	})
}
