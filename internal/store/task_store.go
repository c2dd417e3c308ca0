package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/genqueue/internal/generation"
	"github.com/phrazzld/genqueue/internal/platform/logger"
	"github.com/phrazzld/genqueue/internal/task"
)

const taskColumns = `id, type, payload, status, attempt_count, created_at, updated_at, last_error, result, provider`

// Compile-time checks
var (
	_ task.TaskStore  = (*SQLTaskStore)(nil)
	_ task.ResultSink = (*SQLTaskStore)(nil)
)

// SQLTaskStore implements task.TaskStore on top of database/sql. The
// dialect decides placeholders, row locking and time encoding, so the same
// queries serve postgres and sqlite.
type SQLTaskStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// SQLTaskStoreOption configures a SQLTaskStore
type SQLTaskStoreOption func(*SQLTaskStore)

// WithClock overrides the time source used for updated_at.
func WithClock(now func() time.Time) SQLTaskStoreOption {
	return func(s *SQLTaskStore) {
		s.now = now
	}
}

// NewSQLTaskStore creates a store over an open database whose schema has
// already been migrated.
func NewSQLTaskStore(db *sql.DB, dialect Dialect, opts ...SQLTaskStoreOption) (*SQLTaskStore, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: db is required", ErrInvalidEntity)
	}
	if err := dialect.Validate(); err != nil {
		return nil, err
	}

	s := &SQLTaskStore{
		db:      db,
		dialect: dialect,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// DB returns the underlying connection pool.
func (s *SQLTaskStore) DB() *sql.DB {
	return s.db
}

// Enqueue implements task.TaskStore
func (s *SQLTaskStore) Enqueue(ctx context.Context, t *task.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}

	now := s.now()
	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	query := s.dialect.Rebind(`
		INSERT INTO tasks (` + taskColumns + `)
		VALUES (?, ?, ?, ?, 0, ?, ?, '', '', '')
	`)
	_, err := s.db.ExecContext(ctx, query,
		t.ID,
		t.Type,
		payloadValue(t.Payload),
		string(task.StatusPending),
		s.dialect.encodeTime(createdAt),
		s.dialect.encodeTime(now),
	)
	if err != nil {
		err = s.dialect.mapError(err)
		logger.FromContext(ctx).Error("failed to enqueue task",
			slog.String("task_id", t.ID.String()),
			slog.String("task_type", t.Type),
			slog.String("error", err.Error()))
		if IsDuplicateError(err) {
			return fmt.Errorf("%w: duplicate id %s: %w", task.ErrInvalidTask, t.ID, err)
		}
		return NewStoreError("task", "enqueue", "insert failed", err)
	}
	return nil
}

// Get implements task.TaskStore
func (s *SQLTaskStore) Get(ctx context.Context, id uuid.UUID) (*task.Task, error) {
	query := s.dialect.Rebind(`SELECT ` + taskColumns + ` FROM tasks WHERE id = ?`)
	t, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, task.ErrTaskNotFound
	}
	if err != nil {
		return nil, NewStoreError("task", "get", "select failed", s.dialect.mapError(err))
	}
	return t, nil
}

// FetchNext implements task.TaskStore. The oldest pending row is flipped
// to in_progress in a single statement; on postgres the subquery skips rows
// locked by concurrent claimers.
func (s *SQLTaskStore) FetchNext(ctx context.Context) (*task.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	query := s.dialect.Rebind(`
		UPDATE tasks
		SET status = ?, attempt_count = attempt_count + 1, updated_at = ?
		WHERE id = (
			SELECT id FROM tasks
			WHERE status = ?
			ORDER BY seq
			LIMIT 1` + s.dialect.ClaimLock + `
		)
		RETURNING ` + taskColumns)

	t, err := scanTask(s.db.QueryRowContext(ctx, query,
		string(task.StatusInProgress),
		s.dialect.encodeTime(s.now()),
		string(task.StatusPending),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, NewStoreError("task", "claim", "claim failed", s.dialect.mapError(err))
	}
	return t, nil
}

// MarkInProgress implements task.TaskStore
func (s *SQLTaskStore) MarkInProgress(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id, task.StatusInProgress, "")
}

// MarkCompleted implements task.TaskStore
func (s *SQLTaskStore) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id, task.StatusCompleted, "")
}

// MarkFailed implements task.TaskStore
func (s *SQLTaskStore) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	return s.transition(ctx, id, task.StatusFailed, reason)
}

// MarkPausedForLimit implements task.TaskStore
func (s *SQLTaskStore) MarkPausedForLimit(ctx context.Context, id uuid.UUID, reason string) error {
	return s.transition(ctx, id, task.StatusPausedTokenLimit, reason)
}

func (s *SQLTaskStore) transition(ctx context.Context, id uuid.UUID, to task.Status, reason string) error {
	return RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		from, err := s.lockStatus(ctx, tx, id)
		if err != nil {
			return err
		}

		apply, err := task.CheckTransition(from, to)
		if err != nil {
			return fmt.Errorf("%w: %s -> %s", err, from, to)
		}
		if !apply {
			return nil
		}

		update := `UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`
		args := []any{string(to), s.dialect.encodeTime(s.now()), id}
		if reason != "" {
			update = `UPDATE tasks SET status = ?, updated_at = ?, last_error = ? WHERE id = ?`
			args = []any{string(to), s.dialect.encodeTime(s.now()), reason, id}
		}
		if _, err := tx.ExecContext(ctx, s.dialect.Rebind(update), args...); err != nil {
			return NewStoreError("task", "transition", "update failed", s.dialect.mapError(err))
		}
		return nil
	})
}

// lockStatus reads a task's status, locking the row where the dialect
// supports it.
func (s *SQLTaskStore) lockStatus(ctx context.Context, q DBTX, id uuid.UUID) (task.Status, error) {
	var current string
	lookup := s.dialect.Rebind(`SELECT status FROM tasks WHERE id = ?` + s.dialect.RowLock)
	if err := q.QueryRowContext(ctx, lookup, id).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", task.ErrTaskNotFound
		}
		return "", NewStoreError("task", "transition", "status lookup failed", s.dialect.mapError(err))
	}
	return task.Status(current), nil
}

// ResumePaused implements task.TaskStore
func (s *SQLTaskStore) ResumePaused(ctx context.Context) (int, error) {
	query := s.dialect.Rebind(`UPDATE tasks SET status = ?, updated_at = ? WHERE status = ?`)
	res, err := s.db.ExecContext(ctx, query,
		string(task.StatusPending),
		s.dialect.encodeTime(s.now()),
		string(task.StatusPausedTokenLimit),
	)
	if err != nil {
		return 0, NewStoreError("task", "resume", "update failed", s.dialect.mapError(err))
	}
	return rowsAffected(res)
}

// RequeueStale implements task.TaskStore
func (s *SQLTaskStore) RequeueStale(ctx context.Context, olderThan time.Duration) (int, error) {
	now := s.now()
	query := s.dialect.Rebind(`
		UPDATE tasks SET status = ?, updated_at = ?
		WHERE status = ? AND updated_at < ?
	`)
	res, err := s.db.ExecContext(ctx, query,
		string(task.StatusPending),
		s.dialect.encodeTime(now),
		string(task.StatusInProgress),
		s.dialect.encodeTime(now.Add(-olderThan)),
	)
	if err != nil {
		return 0, NewStoreError("task", "requeue", "update failed", s.dialect.mapError(err))
	}
	return rowsAffected(res)
}

// Counts implements task.TaskStore
func (s *SQLTaskStore) Counts(ctx context.Context) (map[task.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, NewStoreError("task", "count", "query failed", s.dialect.mapError(err))
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[task.Status]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, NewStoreError("task", "count", "scan failed", err)
		}
		counts[task.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, NewStoreError("task", "count", "iteration failed", err)
	}
	return counts, nil
}

// SaveResult implements task.ResultSink
func (s *SQLTaskStore) SaveResult(ctx context.Context, id uuid.UUID, provider string, resp generation.Response) error {
	query := s.dialect.Rebind(`UPDATE tasks SET result = ?, provider = ?, updated_at = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, resp.Text, provider, s.dialect.encodeTime(s.now()), id)
	if err != nil {
		return NewStoreError("task", "save_result", "update failed", s.dialect.mapError(err))
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return task.ErrTaskNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	var (
		t         task.Task
		payload   []byte
		status    string
		createdAt dbTime
		updatedAt dbTime
	)
	err := row.Scan(
		&t.ID,
		&t.Type,
		&payload,
		&status,
		&t.AttemptCount,
		&createdAt,
		&updatedAt,
		&t.LastError,
		&t.Result,
		&t.Provider,
	)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		t.Payload = append([]byte(nil), payload...)
	}
	t.Status = task.Status(status)
	t.CreatedAt = createdAt.Time
	t.UpdatedAt = updatedAt.Time
	return &t, nil
}

// payloadValue binds empty payloads as NULL so JSON columns accept them.
func payloadValue(p []byte) any {
	if len(p) == 0 {
		return nil
	}
	return string(p)
}

func rowsAffected(res sql.Result) (int, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}
