package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"codeforge/internal/types"
)

const taskColumns = `id, title, description, user_id, type_hint, override_strategy,
	priority, status, task_type, complexity, confidence, class_source,
	client_token, context_files, created_at, updated_at, started_at, completed_at`

// CreateTask inserts a new task. The caller sets ID, status, and timestamps;
// intake is the only writer and always inserts Pending rows.
func (s *Store) CreateTask(ctx context.Context, task *types.Task) error {
	files, err := json.Marshal(task.ContextFiles)
	if err != nil {
		return fmt.Errorf("marshal context files: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, title, description, user_id, type_hint,
			override_strategy, priority, status, task_type, complexity,
			confidence, class_source, client_token, context_files,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Title, task.Description, task.UserID, string(task.TypeHint),
		task.OverrideStrategy, task.Priority, string(task.Status),
		string(task.TaskType), string(task.Complexity), task.Confidence,
		string(task.Source), nullString(task.ClientToken), string(files),
		task.CreatedAt.UTC(), task.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}

	s.log.Debug("task created",
		zap.String("task_id", task.ID), zap.String("status", string(task.Status)))
	return nil
}

// GetTask returns the task by id, or ErrNotFound.
func (s *Store) GetTask(ctx context.Context, id string) (*types.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// CASTaskStatus atomically moves a task from expected to next. It returns
// ErrConflict when the task is not in the expected status, which is how
// concurrent claimers lose the race, and rejects transitions the state
// machine forbids.
func (s *Store) CASTaskStatus(ctx context.Context, id string, expected, next types.TaskStatus) error {
	if !expected.CanTransitionTo(next) {
		return fmt.Errorf("%w: illegal transition %s -> %s", ErrConflict, expected, next)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(next), time.Now().UTC(), id, string(expected))
	if err != nil {
		return fmt.Errorf("cas task status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("cas task status rows: %w", err)
	}
	if n == 0 {
		// Distinguish a lost race from a missing task.
		if _, getErr := s.GetTask(ctx, id); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: task %s not in status %s", ErrConflict, id, expected)
	}
	return nil
}

// SetClassification stores the classification fields. They are written
// exactly once: a second call on an already classified task is rejected.
func (s *Store) SetClassification(ctx context.Context, id string, c types.Classification) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET task_type = ?, complexity = ?, confidence = ?, class_source = ?, updated_at = ?
		WHERE id = ? AND class_source = ''`,
		string(c.TaskType), string(c.Complexity), c.Confidence, string(c.Source),
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set classification: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set classification rows: %w", err)
	}
	if n == 0 {
		if _, getErr := s.GetTask(ctx, id); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: task %s already classified", ErrConflict, id)
	}
	return nil
}

// NextPendingID returns the id of the next task a worker should claim:
// highest priority first, oldest first within a priority. ErrNotFound when
// nothing is pending. Claiming itself happens through CASTaskStatus, so two
// workers reading the same id is harmless.
func (s *Store) NextPendingID(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM tasks WHERE status = ?
		ORDER BY priority DESC, created_at ASC LIMIT 1`,
		string(types.TaskPending)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("next pending: %w", err)
	}
	return id, nil
}

// CountTasksInStatus returns how many tasks are in the given status.
// Intake uses this for the pending-backlog watermark.
func (s *Store) CountTasksInStatus(ctx context.Context, status types.TaskStatus) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE status = ?`, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return n, nil
}

// FindTaskByClientToken returns the most recent task submitted with the
// token after the cutoff, or ErrNotFound. Drives submission idempotence.
func (s *Store) FindTaskByClientToken(ctx context.Context, token string, since time.Time) (*types.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE client_token = ? AND created_at >= ?
		ORDER BY created_at DESC LIMIT 1`,
		token, since.UTC())
	return scanTask(row)
}

// StaleTaskIDs returns ids of tasks sitting in the given status with no
// update since the cutoff. The reaper uses this to find abandoned work.
func (s *Store) StaleTaskIDs(ctx context.Context, status types.TaskStatus, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM tasks WHERE status = ? AND updated_at < ?
		ORDER BY updated_at ASC`,
		string(status), cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("stale tasks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stale task: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ResetStaleClassifying moves a stuck Classifying task with no execution
// back to Pending so a worker can claim it again. This is the reaper's
// backward transition; nothing else may move a task backward.
func (s *Store) ResetStaleClassifying(ctx context.Context, id string) error {
	return s.inTx(func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRow(
			`SELECT COUNT(*) FROM executions WHERE task_id = ?`, id).Scan(&n); err != nil {
			return fmt.Errorf("count executions: %w", err)
		}
		if n > 0 {
			return fmt.Errorf("%w: task %s has executions, cannot reset", ErrConflict, id)
		}
		res, err := tx.Exec(`
			UPDATE tasks SET status = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			string(types.TaskPending), time.Now().UTC(), id, string(types.TaskClassifying))
		if err != nil {
			return fmt.Errorf("reset classifying: %w", err)
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return fmt.Errorf("%w: task %s not in Classifying", ErrConflict, id)
		}
		return nil
	})
}

// rowScanner abstracts *sql.Row and *sql.Rows for the scan helpers.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*types.Task, error) {
	var t types.Task
	var typeHint, taskType, complexity, source, status string
	var clientToken sql.NullString
	var contextFiles string
	var startedAt, completedAt sql.NullTime

	err := row.Scan(&t.ID, &t.Title, &t.Description, &t.UserID, &typeHint,
		&t.OverrideStrategy, &t.Priority, &status, &taskType, &complexity,
		&t.Confidence, &source, &clientToken, &contextFiles,
		&t.CreatedAt, &t.UpdatedAt, &startedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}

	t.TypeHint = types.TaskType(typeHint)
	t.Status = types.TaskStatus(status)
	t.TaskType = types.TaskType(taskType)
	t.Complexity = types.Complexity(complexity)
	t.Source = types.ClassificationSource(source)
	if clientToken.Valid {
		t.ClientToken = clientToken.String
	}
	if startedAt.Valid {
		at := startedAt.Time
		t.StartedAt = &at
	}
	if completedAt.Valid {
		at := completedAt.Time
		t.CompletedAt = &at
	}
	if err := json.Unmarshal([]byte(contextFiles), &t.ContextFiles); err != nil {
		return nil, fmt.Errorf("unmarshal context files: %w", err)
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
