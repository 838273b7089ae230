package intake

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"codeforge/internal/config"
	"codeforge/internal/store"
	"codeforge/internal/types"
)

// fakeRuntime records nudges and seals cancelled tasks the way the executor
// would, so Cancel tests observe a realistic final status.
type fakeRuntime struct {
	store     *store.Store
	nudges    atomic.Int32
	mu        sync.Mutex
	cancelled []string
	cancelErr error
}

func (f *fakeRuntime) Nudge() { f.nudges.Add(1) }

func (f *fakeRuntime) Cancel(ctx context.Context, taskID string) error {
	f.mu.Lock()
	f.cancelled = append(f.cancelled, taskID)
	f.mu.Unlock()
	if f.cancelErr != nil {
		return f.cancelErr
	}
	return f.store.FinalizeTaskOnly(ctx, taskID,
		types.TaskPending, types.TaskCancelled, cancelRow(taskID))
}

func cancelRow(taskID string) store.OutboxRow {
	id := types.NewID()
	now := time.Now().UTC()
	payload, _ := types.MarshalEvent(types.TaskCancelledEvent{
		EventMeta: types.NewEventMeta(id, types.EventTaskCancelled, now),
		TaskID:    taskID,
	})
	return store.OutboxRow{ID: id, TaskID: taskID, Kind: types.EventTaskCancelled, Payload: payload, CreatedAt: now}
}

func newTestService(t *testing.T) (*Service, *fakeRuntime) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "forge.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	rt := &fakeRuntime{store: s}
	return NewService(s, rt, config.DefaultConfig(), nil), rt
}

func validSubmission() Submission {
	return Submission{
		UserID:      "user-1",
		Title:       "Fix null check in Auth",
		Description: "short fix to null deref",
		TypeHint:    types.TaskTypeBugFix,
		Priority:    1,
	}
}

func TestSubmitCreatesPendingTask(t *testing.T) {
	svc, rt := newTestService(t)
	ctx := context.Background()

	task, err := svc.Submit(ctx, validSubmission())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if task.Status != types.TaskPending {
		t.Errorf("status = %s, want Pending", task.Status)
	}
	if task.ID == "" || task.CreatedAt.IsZero() {
		t.Errorf("task missing identity: id=%q created=%v", task.ID, task.CreatedAt)
	}

	stored, err := svc.store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if stored.Title != "Fix null check in Auth" || stored.TypeHint != types.TaskTypeBugFix {
		t.Errorf("stored task = %+v", stored)
	}
	if rt.nudges.Load() != 1 {
		t.Errorf("nudges = %d, want 1", rt.nudges.Load())
	}
}

func TestSubmitValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	bigFile := types.ContextFile{Path: "big.go", Content: strings.Repeat("x", 257*1024)}

	cases := []struct {
		name   string
		mutate func(*Submission)
	}{
		{"missing title", func(s *Submission) { s.Title = "" }},
		{"missing user", func(s *Submission) { s.UserID = "" }},
		{"priority above range", func(s *Submission) { s.Priority = 4 }},
		{"priority below range", func(s *Submission) { s.Priority = -1 }},
		{"unknown type hint", func(s *Submission) { s.TypeHint = "toast" }},
		{"unknown strategy", func(s *Submission) { s.OverrideStrategy = "YOLO" }},
		{"oversized description", func(s *Submission) { s.Description = strings.Repeat("x", 33*1024) }},
		{"context file without path", func(s *Submission) {
			s.ContextFiles = []types.ContextFile{{Content: "package main"}}
		}},
		{"oversized context", func(s *Submission) { s.ContextFiles = []types.ContextFile{bigFile} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sub := validSubmission()
			tc.mutate(&sub)
			_, err := svc.Submit(ctx, sub)
			if !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("err = %v, want ErrInvalidInput", err)
			}
		})
	}

	if n, _ := svc.store.CountTasksInStatus(ctx, types.TaskPending); n != 0 {
		t.Errorf("rejected submissions left %d tasks behind", n)
	}
}

func TestSubmitIdempotence(t *testing.T) {
	svc, rt := newTestService(t)
	ctx := context.Background()

	sub := validSubmission()
	sub.ClientToken = "retry-abc"

	first, err := svc.Submit(ctx, sub)
	if err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	second, err := svc.Submit(ctx, sub)
	if err != nil {
		t.Fatalf("second Submit: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("duplicate created new task %s, want %s", second.ID, first.ID)
	}
	if n, _ := svc.store.CountTasksInStatus(ctx, types.TaskPending); n != 1 {
		t.Errorf("pending tasks = %d, want 1", n)
	}
	if rt.nudges.Load() != 1 {
		t.Errorf("nudges = %d, want 1 (duplicates must not wake the pool)", rt.nudges.Load())
	}

	other := validSubmission()
	other.ClientToken = "different"
	third, err := svc.Submit(ctx, other)
	if err != nil {
		t.Fatalf("third Submit: %v", err)
	}
	if third.ID == first.ID {
		t.Error("different token reused the same task")
	}
}

func TestSubmitIdempotenceWindowExpires(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	sub := validSubmission()
	sub.ClientToken = "retry-abc"
	first, err := svc.Submit(ctx, sub)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	stale := time.Now().UTC().Add(-25 * time.Hour)
	if _, err := svc.store.DB().Exec(
		`UPDATE tasks SET created_at = ? WHERE id = ?`, stale, first.ID); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	second, err := svc.Submit(ctx, sub)
	if err != nil {
		t.Fatalf("Submit after window: %v", err)
	}
	if second.ID == first.ID {
		t.Error("token outside the window still deduplicated")
	}
}

func TestSubmitPendingBackpressure(t *testing.T) {
	svc, _ := newTestService(t)
	svc.cfg.Intake.PendingWatermark = 1
	ctx := context.Background()

	if _, err := svc.Submit(ctx, validSubmission()); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	_, err := svc.Submit(ctx, validSubmission())
	if !errors.Is(err, ErrOverloaded) {
		t.Fatalf("err = %v, want ErrOverloaded", err)
	}
}

func TestSubmitOutboxBackpressure(t *testing.T) {
	svc, rt := newTestService(t)
	svc.cfg.Intake.OutboxWatermark = 1
	ctx := context.Background()

	// A cancelled task leaves one undelivered outbox row behind.
	task, err := svc.Submit(ctx, validSubmission())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := rt.store.FinalizeTaskOnly(ctx, task.ID,
		types.TaskPending, types.TaskCancelled, cancelRow(task.ID)); err != nil {
		t.Fatalf("FinalizeTaskOnly: %v", err)
	}

	_, err = svc.Submit(ctx, validSubmission())
	if !errors.Is(err, ErrOverloaded) {
		t.Fatalf("err = %v, want ErrOverloaded", err)
	}
}

func TestGetReturnsView(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Get(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	task, err := svc.Submit(ctx, validSubmission())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	view, err := svc.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if view.Task.ID != task.ID || view.Execution != nil || view.ChangeSet != nil {
		t.Errorf("pending view = %+v", view)
	}
}

func TestGetIncludesExecutionAndChangeSet(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	task, err := svc.Submit(ctx, validSubmission())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := svc.store.CASTaskStatus(ctx, task.ID, types.TaskPending, types.TaskClassifying); err != nil {
		t.Fatalf("CASTaskStatus: %v", err)
	}
	now := time.Now().UTC()
	exec := &types.Execution{
		ID: types.NewID(), TaskID: task.ID, Strategy: "SingleShot",
		Status: types.ExecutionRunning, StartedAt: now, HeartbeatAt: now,
	}
	if err := svc.store.StartExecution(ctx, exec); err != nil {
		t.Fatalf("StartExecution: %v", err)
	}

	rowID := types.NewID()
	payload, _ := types.MarshalEvent(types.TaskSucceededEvent{
		EventMeta: types.NewEventMeta(rowID, types.EventTaskSucceeded, now),
		TaskID:    task.ID, ExecutionID: exec.ID,
	})
	err = svc.store.Finalize(ctx, store.FinalizeRequest{
		ExecutionID: exec.ID,
		ExecStatus:  types.ExecutionSucceeded,
		FinishedAt:  now,
		Iterations:  1,
		TokensUsed:  100,
		CostUSD:     0.01,
		ChangeSet: &types.ChangeSet{
			ID: types.NewID(), ExecutionID: exec.ID,
			Files:        []types.FileChange{{Path: "main.go", ChangeType: types.ChangeModify, Content: "package main\n"}},
			FilesChanged: 1, LinesAdded: 1, CreatedAt: now,
		},
		TaskID:     task.ID,
		TaskStatus: types.TaskSucceeded,
		Outbox:     store.OutboxRow{ID: rowID, TaskID: task.ID, Kind: types.EventTaskSucceeded, Payload: payload, CreatedAt: now},
	})
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	view, err := svc.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if view.Execution == nil || view.Execution.ID != exec.ID {
		t.Fatalf("view.Execution = %+v, want %s", view.Execution, exec.ID)
	}
	if view.ChangeSet == nil || view.ChangeSet.FilesChanged != 1 {
		t.Errorf("view.ChangeSet = %+v", view.ChangeSet)
	}
}

func TestCancelDelegatesToRuntime(t *testing.T) {
	svc, rt := newTestService(t)
	ctx := context.Background()

	task, err := svc.Submit(ctx, validSubmission())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	got, err := svc.Cancel(ctx, task.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.Status != types.TaskCancelled {
		t.Errorf("status = %s, want Cancelled", got.Status)
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if len(rt.cancelled) != 1 || rt.cancelled[0] != task.ID {
		t.Errorf("runtime cancels = %v", rt.cancelled)
	}
}

func TestCancelMissingTask(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.Cancel(context.Background(), "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCancelTerminalTask(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	task, err := svc.Submit(ctx, validSubmission())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := svc.store.FinalizeTaskOnly(ctx, task.ID,
		types.TaskPending, types.TaskCancelled, cancelRow(task.ID)); err != nil {
		t.Fatalf("FinalizeTaskOnly: %v", err)
	}

	_, err = svc.Cancel(ctx, task.ID)
	if !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("err = %v, want ErrAlreadyTerminal", err)
	}
}

func TestCancelLosesRaceToSeal(t *testing.T) {
	svc, rt := newTestService(t)
	ctx := context.Background()

	task, err := svc.Submit(ctx, validSubmission())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	rt.cancelErr = fmt.Errorf("%w: task sealed", store.ErrConflict)

	_, err = svc.Cancel(ctx, task.ID)
	if !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("err = %v, want ErrAlreadyTerminal", err)
	}
}
