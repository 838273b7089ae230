package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"codeforge/internal/types"
)

// OutboxRow is a pending domain event created alongside a terminal
// transition. ID doubles as the event id, so it stays stable across
// delivery retries.
type OutboxRow struct {
	ID        string
	TaskID    string
	Kind      types.EventKind
	Payload   []byte
	CreatedAt time.Time
}

// OutboxMessage is a stored outbox row as the pump reads it back.
type OutboxMessage struct {
	ID            string
	TaskID        string
	Kind          types.EventKind
	Payload       []byte
	AttemptCount  int
	CreatedAt     time.Time
	NextAttemptAt time.Time
	DeliveredAt   *time.Time
}

// FinalizeRequest carries everything the terminal transaction writes.
type FinalizeRequest struct {
	// Execution terminal update. Status must be terminal.
	ExecutionID   string
	ExecStatus    types.ExecutionStatus
	FinishedAt    time.Time
	Iterations    int
	TokensUsed    int
	CostUSD       float64
	FailureReason string

	// Per-iteration diagnostics, written in index order.
	Records []types.IterationRecord

	// ChangeSet is set only when ExecStatus is Succeeded.
	ChangeSet *types.ChangeSet

	// Task terminal transition.
	TaskID     string
	TaskStatus types.TaskStatus

	// Outbox row for the terminal event.
	Outbox OutboxRow
}

// Finalize commits a task's terminal outcome in one transaction: the
// execution is sealed, iteration records and the change set (on success)
// are written, the task moves to its terminal status, and the outbox row
// is queued. Either all of it is visible or none of it is, so the outside
// world never observes a terminal task without a queued event.
func (s *Store) Finalize(ctx context.Context, req FinalizeRequest) error {
	if !req.ExecStatus.IsTerminal() {
		return fmt.Errorf("%w: execution status %s is not terminal", ErrConflict, req.ExecStatus)
	}
	if !req.TaskStatus.IsTerminal() {
		return fmt.Errorf("%w: task status %s is not terminal", ErrConflict, req.TaskStatus)
	}
	if req.ChangeSet != nil && req.ExecStatus != types.ExecutionSucceeded {
		return fmt.Errorf("%w: change set requires a Succeeded execution", ErrConflict)
	}

	now := time.Now().UTC()
	err := s.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE executions
			SET status = ?, finished_at = ?, iterations = ?, tokens_used = ?,
				cost_usd = ?, failure_reason = ?
			WHERE id = ? AND status = ?`,
			string(req.ExecStatus), req.FinishedAt.UTC(), req.Iterations,
			req.TokensUsed, req.CostUSD, req.FailureReason,
			req.ExecutionID, string(types.ExecutionRunning))
		if err != nil {
			return fmt.Errorf("seal execution: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: execution %s not Running", ErrConflict, req.ExecutionID)
		}

		for _, r := range req.Records {
			if _, err := tx.Exec(`
				INSERT INTO iteration_records (execution_id, idx, prompt_len,
					tokens_used, cost_usd, validation_errors, duration_ms, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				req.ExecutionID, r.Index, r.PromptLen, r.TokensUsed, r.CostUSD,
				r.ValidationErrors, r.Duration.Milliseconds(), orNow(r.CreatedAt, now)); err != nil {
				return fmt.Errorf("insert iteration record %d: %w", r.Index, err)
			}
		}

		if req.ChangeSet != nil {
			if err := insertChangeSet(tx, req.ChangeSet, now); err != nil {
				return err
			}
		}

		res, err = tx.Exec(`
			UPDATE tasks SET status = ?, completed_at = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			string(req.TaskStatus), now, now,
			req.TaskID, string(types.TaskExecuting))
		if err != nil {
			return fmt.Errorf("seal task: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: task %s not Executing", ErrConflict, req.TaskID)
		}

		return insertOutbox(tx, req.Outbox)
	})
	if err != nil {
		return err
	}

	s.log.Debug("task finalized",
		zap.String("task_id", req.TaskID),
		zap.String("execution_id", req.ExecutionID),
		zap.String("status", string(req.TaskStatus)))
	return nil
}

// FinalizeTaskOnly commits a terminal transition for a task that has no
// Running execution: cancellation while Pending or Classifying, or a
// deadline that expired before an execution started. Task update and
// outbox row are one transaction.
func (s *Store) FinalizeTaskOnly(ctx context.Context, taskID string, expected, terminal types.TaskStatus, outbox OutboxRow) error {
	if !terminal.IsTerminal() {
		return fmt.Errorf("%w: task status %s is not terminal", ErrConflict, terminal)
	}
	if !expected.CanTransitionTo(terminal) {
		return fmt.Errorf("%w: illegal transition %s -> %s", ErrConflict, expected, terminal)
	}

	now := time.Now().UTC()
	err := s.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE tasks SET status = ?, completed_at = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			string(terminal), now, now, taskID, string(expected))
		if err != nil {
			return fmt.Errorf("seal task: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: task %s not in %s", ErrConflict, taskID, expected)
		}
		return insertOutbox(tx, outbox)
	})
	if err != nil {
		return err
	}

	s.log.Debug("task finalized without execution",
		zap.String("task_id", taskID), zap.String("status", string(terminal)))
	return nil
}

// SealAbandoned is the reaper's terminal path: the execution whose worker
// died is sealed Failed, the task follows, and a TaskFailed outbox row is
// queued, all in one transaction.
func (s *Store) SealAbandoned(ctx context.Context, taskID, executionID, reason string, outbox OutboxRow) error {
	now := time.Now().UTC()
	err := s.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE executions SET status = ?, finished_at = ?, failure_reason = ?
			WHERE id = ? AND status = ?`,
			string(types.ExecutionFailed), now, reason,
			executionID, string(types.ExecutionRunning))
		if err != nil {
			return fmt.Errorf("seal abandoned execution: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: execution %s not Running", ErrConflict, executionID)
		}

		res, err = tx.Exec(`
			UPDATE tasks SET status = ?, completed_at = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			string(types.TaskFailed), now, now, taskID, string(types.TaskExecuting))
		if err != nil {
			return fmt.Errorf("seal abandoned task: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: task %s not Executing", ErrConflict, taskID)
		}

		return insertOutbox(tx, outbox)
	})
	if err != nil {
		return err
	}

	s.log.Info("abandoned task sealed",
		zap.String("task_id", taskID),
		zap.String("execution_id", executionID),
		zap.String("reason", reason))
	return nil
}

// insertChangeSet writes the change set header and its files. Path
// uniqueness within the set is backed by the UNIQUE(change_set_id, path)
// constraint.
func insertChangeSet(tx *sql.Tx, cs *types.ChangeSet, now time.Time) error {
	if _, err := tx.Exec(`
		INSERT INTO change_sets (id, execution_id, files_changed, lines_added,
			lines_removed, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		cs.ID, cs.ExecutionID, cs.FilesChanged, cs.LinesAdded, cs.LinesRemoved,
		orNow(cs.CreatedAt, now)); err != nil {
		return fmt.Errorf("insert change set: %w", err)
	}
	for i, fc := range cs.Files {
		if _, err := tx.Exec(`
			INSERT INTO file_changes (change_set_id, position, path, language,
				change_type, content)
			VALUES (?, ?, ?, ?, ?, ?)`,
			cs.ID, i, fc.Path, fc.Language, string(fc.ChangeType), fc.Content); err != nil {
			return fmt.Errorf("insert file change %s: %w", fc.Path, err)
		}
	}
	return nil
}

// insertOutbox queues the event row. Outbox rows are created only here,
// inside the terminal transactions, never standalone.
func insertOutbox(tx *sql.Tx, row OutboxRow) error {
	createdAt := row.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	createdAt = createdAt.UTC()

	if _, err := tx.Exec(`
		INSERT INTO outbox_messages (id, task_id, kind, payload, attempt_count,
			created_at, next_attempt_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)`,
		row.ID, row.TaskID, string(row.Kind), string(row.Payload),
		createdAt, createdAt); err != nil {
		return fmt.Errorf("insert outbox row: %w", err)
	}
	return nil
}

func orNow(t, now time.Time) time.Time {
	if t.IsZero() {
		return now
	}
	return t.UTC()
}
