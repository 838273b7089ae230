package executor

import (
	"time"

	"codeforge/internal/store"
	"codeforge/internal/strategy"
	"codeforge/internal/types"
)

// newRow allocates an outbox row and the matching event envelope. The row id
// doubles as the event id and the row's creation time as occurred-at, so the
// payload stays identical across delivery retries.
func newRow(taskID string, kind types.EventKind) (store.OutboxRow, types.EventMeta) {
	id := types.NewID()
	now := time.Now().UTC()
	return store.OutboxRow{
		ID:        id,
		TaskID:    taskID,
		Kind:      kind,
		CreatedAt: now,
	}, types.NewEventMeta(id, kind, now)
}

// terminalRow builds the outbox row announcing a finalized execution.
func terminalRow(task *types.Task, exec *types.Execution, res *strategy.Result,
	taskStatus types.TaskStatus, cs *types.ChangeSet) (store.OutboxRow, error) {

	kind, err := types.KindForTaskStatus(taskStatus)
	if err != nil {
		return store.OutboxRow{}, err
	}
	row, meta := newRow(task.ID, kind)

	var event any
	switch kind {
	case types.EventTaskSucceeded:
		event = types.TaskSucceededEvent{
			EventMeta:    meta,
			TaskID:       task.ID,
			ExecutionID:  exec.ID,
			Strategy:     exec.Strategy,
			Iterations:   res.Iterations,
			Tokens:       res.TokensUsed,
			CostUSD:      res.CostUSD,
			FilesChanged: cs.FilesChanged,
			LinesAdded:   cs.LinesAdded,
			LinesRemoved: cs.LinesRemoved,
			ChangeSetID:  cs.ID,
		}
	case types.EventTaskTimedOut:
		event = types.TaskTimedOutEvent{
			EventMeta:   meta,
			TaskID:      task.ID,
			ExecutionID: exec.ID,
			ElapsedMS:   res.Duration.Milliseconds(),
		}
	case types.EventTaskCancelled:
		event = types.TaskCancelledEvent{
			EventMeta:   meta,
			TaskID:      task.ID,
			ExecutionID: exec.ID,
		}
	default:
		event = types.TaskFailedEvent{
			EventMeta:   meta,
			TaskID:      task.ID,
			ExecutionID: exec.ID,
			Strategy:    exec.Strategy,
			Iterations:  res.Iterations,
			Tokens:      res.TokensUsed,
			CostUSD:     res.CostUSD,
			Reason:      res.Reason,
			Errors:      nonNil(res.Errors),
		}
	}

	row.Payload, err = types.MarshalEvent(event)
	return row, err
}

// cancelledRow builds the TaskCancelled outbox row. executionID is empty for
// tasks cancelled before any execution started.
func cancelledRow(taskID, executionID string) (store.OutboxRow, error) {
	row, meta := newRow(taskID, types.EventTaskCancelled)
	payload, err := types.MarshalEvent(types.TaskCancelledEvent{
		EventMeta:   meta,
		TaskID:      taskID,
		ExecutionID: executionID,
	})
	row.Payload = payload
	return row, err
}

// failedRow builds a TaskFailed outbox row for seals that happen without a
// strategy result, like the reaper's abandoned-task path.
func failedRow(taskID, executionID, strategyName, reason string) (store.OutboxRow, error) {
	row, meta := newRow(taskID, types.EventTaskFailed)
	payload, err := types.MarshalEvent(types.TaskFailedEvent{
		EventMeta:   meta,
		TaskID:      taskID,
		ExecutionID: executionID,
		Strategy:    strategyName,
		Reason:      reason,
		Errors:      []string{},
	})
	row.Payload = payload
	return row, err
}

func nonNil(errs []string) []string {
	if errs == nil {
		return []string{}
	}
	return errs
}
