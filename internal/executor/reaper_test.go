package executor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"codeforge/internal/llm"
	"codeforge/internal/store"
	"codeforge/internal/strategy"
	"codeforge/internal/types"
)

func backdateTask(t *testing.T, s *store.Store, taskID string, to time.Time) {
	t.Helper()
	if _, err := s.DB().Exec(
		`UPDATE tasks SET updated_at = ? WHERE id = ?`, to.UTC(), taskID); err != nil {
		t.Fatalf("backdate task: %v", err)
	}
}

func backdateHeartbeat(t *testing.T, s *store.Store, executionID string, to time.Time) {
	t.Helper()
	if _, err := s.DB().Exec(
		`UPDATE executions SET heartbeat_at = ? WHERE id = ?`, to.UTC(), executionID); err != nil {
		t.Fatalf("backdate heartbeat: %v", err)
	}
}

// startOrphanExecution moves a task into Executing with a Running row and no
// worker behind it, the state a crashed process leaves behind.
func startOrphanExecution(t *testing.T, env *testEnv, taskID string) *types.Execution {
	t.Helper()
	ctx := context.Background()
	if err := env.store.CASTaskStatus(ctx, taskID, types.TaskPending, types.TaskClassifying); err != nil {
		t.Fatalf("CASTaskStatus: %v", err)
	}
	now := time.Now().UTC()
	exec := &types.Execution{
		ID:          types.NewID(),
		TaskID:      taskID,
		Strategy:    strategy.NameIterative,
		Status:      types.ExecutionRunning,
		StartedAt:   now,
		HeartbeatAt: now,
	}
	if err := env.store.StartExecution(ctx, exec); err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	return exec
}

func TestReaperResetsStaleClassifying(t *testing.T) {
	env := newEnv(t, &llm.MockClient{})
	ctx := context.Background()

	task := env.submit(t)
	if err := env.store.CASTaskStatus(ctx, task.ID, types.TaskPending, types.TaskClassifying); err != nil {
		t.Fatalf("CASTaskStatus: %v", err)
	}
	backdateTask(t, env.store, task.ID, time.Now().Add(-time.Hour))

	NewReaper(env.store, env.pump, env.cfg, nil).Sweep(ctx)

	got, err := env.store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != types.TaskPending {
		t.Errorf("status = %s, want Pending", got.Status)
	}
	if n := countRows(t, env.store, `SELECT COUNT(*) FROM outbox_messages WHERE task_id = ?`, task.ID); n != 0 {
		t.Errorf("reset enqueued %d events, want 0", n)
	}
}

func TestReaperSealsAbandonedExecution(t *testing.T) {
	env := newEnv(t, &llm.MockClient{})
	ctx := context.Background()

	task := env.submit(t)
	exec := startOrphanExecution(t, env, task.ID)
	stale := time.Now().Add(-time.Hour)
	backdateTask(t, env.store, task.ID, stale)
	backdateHeartbeat(t, env.store, exec.ID, stale)

	NewReaper(env.store, env.pump, env.cfg, nil).Sweep(ctx)

	got, err := env.store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != types.TaskFailed {
		t.Fatalf("status = %s, want Failed", got.Status)
	}
	sealed, err := env.store.GetExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if sealed.Status != types.ExecutionFailed {
		t.Errorf("execution status = %s, want Failed", sealed.Status)
	}
	if sealed.FailureReason != reasonAbandoned {
		t.Errorf("failure reason = %q, want %q", sealed.FailureReason, reasonAbandoned)
	}

	var payload string
	err = env.store.DB().QueryRow(
		`SELECT payload FROM outbox_messages WHERE task_id = ? AND kind = ?`,
		task.ID, string(types.EventTaskFailed)).Scan(&payload)
	if err != nil {
		t.Fatalf("outbox row: %v", err)
	}
	var ev types.TaskFailedEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if ev.ExecutionID != exec.ID || ev.Reason != reasonAbandoned {
		t.Errorf("event = {execution %q, reason %q}, want {%q, %q}",
			ev.ExecutionID, ev.Reason, exec.ID, reasonAbandoned)
	}
	if env.pump.n.Load() == 0 {
		t.Error("seal did not nudge the pump")
	}
}

func TestReaperSparesLiveHeartbeat(t *testing.T) {
	env := newEnv(t, &llm.MockClient{})
	ctx := context.Background()

	task := env.submit(t)
	startOrphanExecution(t, env, task.ID)
	// The task row looks stale but the worker is still heartbeating.
	backdateTask(t, env.store, task.ID, time.Now().Add(-time.Hour))

	NewReaper(env.store, env.pump, env.cfg, nil).Sweep(ctx)

	got, err := env.store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != types.TaskExecuting {
		t.Errorf("status = %s, want Executing", got.Status)
	}
	if n := countRows(t, env.store, `SELECT COUNT(*) FROM outbox_messages WHERE task_id = ?`, task.ID); n != 0 {
		t.Errorf("live execution enqueued %d events, want 0", n)
	}
}

func TestReaperIgnoresFreshTasks(t *testing.T) {
	env := newEnv(t, &llm.MockClient{})
	ctx := context.Background()

	task := env.submit(t)
	if err := env.store.CASTaskStatus(ctx, task.ID, types.TaskPending, types.TaskClassifying); err != nil {
		t.Fatalf("CASTaskStatus: %v", err)
	}

	NewReaper(env.store, env.pump, env.cfg, nil).Sweep(ctx)

	got, err := env.store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != types.TaskClassifying {
		t.Errorf("status = %s, want Classifying", got.Status)
	}
}

func TestReaperSealsExecutingWithoutRunningRow(t *testing.T) {
	env := newEnv(t, &llm.MockClient{})
	ctx := context.Background()

	task := env.submit(t)
	exec := startOrphanExecution(t, env, task.ID)
	// Seal the execution row out from under the task to fake the
	// unreachable Executing-without-Running state.
	if _, err := env.store.DB().Exec(
		`UPDATE executions SET status = ? WHERE id = ?`,
		string(types.ExecutionFailed), exec.ID); err != nil {
		t.Fatalf("force-seal execution: %v", err)
	}
	backdateTask(t, env.store, task.ID, time.Now().Add(-time.Hour))

	NewReaper(env.store, env.pump, env.cfg, nil).Sweep(ctx)

	got, err := env.store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != types.TaskFailed {
		t.Fatalf("status = %s, want Failed", got.Status)
	}
	var payload string
	err = env.store.DB().QueryRow(
		`SELECT payload FROM outbox_messages WHERE task_id = ?`, task.ID).Scan(&payload)
	if err != nil {
		t.Fatalf("outbox row: %v", err)
	}
	var ev types.TaskFailedEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if ev.ExecutionID != "" {
		t.Errorf("execution-id = %q, want empty", ev.ExecutionID)
	}
}

func TestReaperRunStopsOnCancel(t *testing.T) {
	env := newEnv(t, &llm.MockClient{})
	r := NewReaper(env.store, env.pump, env.cfg, nil)
	r.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reaper did not stop")
	}
}
