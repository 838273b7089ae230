package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"codeforge/internal/types"
)

const executionColumns = `id, task_id, strategy, status, started_at, finished_at,
	heartbeat_at, iterations, tokens_used, cost_usd, failure_reason`

// StartExecution atomically creates a Running execution row and moves the
// task from Classifying to Executing. The partial unique index keeps a
// second Running execution for the same task out even if the status CAS
// were somehow bypassed.
func (s *Store) StartExecution(ctx context.Context, exec *types.Execution) error {
	now := time.Now().UTC()
	return s.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE tasks SET status = ?, started_at = COALESCE(started_at, ?), updated_at = ?
			WHERE id = ? AND status = ?`,
			string(types.TaskExecuting), now, now,
			exec.TaskID, string(types.TaskClassifying))
		if err != nil {
			return fmt.Errorf("mark task executing: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: task %s not in Classifying", ErrConflict, exec.TaskID)
		}

		_, err = tx.Exec(`
			INSERT INTO executions (id, task_id, strategy, status, started_at,
				heartbeat_at, iterations, tokens_used, cost_usd)
			VALUES (?, ?, ?, ?, ?, ?, 0, 0, 0)`,
			exec.ID, exec.TaskID, exec.Strategy, string(types.ExecutionRunning),
			exec.StartedAt.UTC(), exec.HeartbeatAt.UTC())
		if err != nil {
			return fmt.Errorf("insert execution: %w", err)
		}
		return nil
	})
}

// GetExecution returns the execution by id, or ErrNotFound.
func (s *Store) GetExecution(ctx context.Context, id string) (*types.Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	return scanExecution(row)
}

// LatestExecution returns the most recently started execution for a task,
// or ErrNotFound when the task has none.
func (s *Store) LatestExecution(ctx context.Context, taskID string) (*types.Execution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+executionColumns+` FROM executions
		WHERE task_id = ? ORDER BY started_at DESC, id DESC LIMIT 1`, taskID)
	return scanExecution(row)
}

// RunningExecution returns the task's Running execution, or ErrNotFound.
func (s *Store) RunningExecution(ctx context.Context, taskID string) (*types.Execution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+executionColumns+` FROM executions
		WHERE task_id = ? AND status = ?`, taskID, string(types.ExecutionRunning))
	return scanExecution(row)
}

// Heartbeat stamps the execution's heartbeat so the reaper knows its worker
// is alive. Heartbeats on sealed executions are ignored.
func (s *Store) Heartbeat(ctx context.Context, executionID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE executions SET heartbeat_at = ? WHERE id = ? AND status = ?`,
		at.UTC(), executionID, string(types.ExecutionRunning))
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// IterationRecords returns an execution's iteration records in index order.
func (s *Store) IterationRecords(ctx context.Context, executionID string) ([]types.IterationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id, idx, prompt_len, tokens_used, cost_usd,
			validation_errors, duration_ms, created_at
		FROM iteration_records WHERE execution_id = ? ORDER BY idx ASC`, executionID)
	if err != nil {
		return nil, fmt.Errorf("iteration records: %w", err)
	}
	defer rows.Close()

	var records []types.IterationRecord
	for rows.Next() {
		var r types.IterationRecord
		var durationMS int64
		if err := rows.Scan(&r.ExecutionID, &r.Index, &r.PromptLen, &r.TokensUsed,
			&r.CostUSD, &r.ValidationErrors, &durationMS, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan iteration record: %w", err)
		}
		r.Duration = time.Duration(durationMS) * time.Millisecond
		records = append(records, r)
	}
	return records, rows.Err()
}

// GetChangeSet returns the change set produced by an execution, including
// its file changes in position order, or ErrNotFound.
func (s *Store) GetChangeSet(ctx context.Context, executionID string) (*types.ChangeSet, error) {
	var cs types.ChangeSet
	err := s.db.QueryRowContext(ctx, `
		SELECT id, execution_id, files_changed, lines_added, lines_removed, created_at
		FROM change_sets WHERE execution_id = ?`, executionID).
		Scan(&cs.ID, &cs.ExecutionID, &cs.FilesChanged, &cs.LinesAdded,
			&cs.LinesRemoved, &cs.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get change set: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT path, language, change_type, content
		FROM file_changes WHERE change_set_id = ? ORDER BY position ASC`, cs.ID)
	if err != nil {
		return nil, fmt.Errorf("get file changes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var fc types.FileChange
		var changeType string
		if err := rows.Scan(&fc.Path, &fc.Language, &changeType, &fc.Content); err != nil {
			return nil, fmt.Errorf("scan file change: %w", err)
		}
		fc.ChangeType = types.ChangeType(changeType)
		cs.Files = append(cs.Files, fc)
	}
	return &cs, rows.Err()
}

func scanExecution(row rowScanner) (*types.Execution, error) {
	var e types.Execution
	var status string
	var finishedAt sql.NullTime

	err := row.Scan(&e.ID, &e.TaskID, &e.Strategy, &status, &e.StartedAt,
		&finishedAt, &e.HeartbeatAt, &e.Iterations, &e.TokensUsed, &e.CostUSD,
		&e.FailureReason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan execution: %w", err)
	}

	e.Status = types.ExecutionStatus(status)
	if finishedAt.Valid {
		at := finishedAt.Time
		e.FinishedAt = &at
	}
	return &e, nil
}
