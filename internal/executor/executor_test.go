package executor

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"codeforge/internal/classifier"
	"codeforge/internal/config"
	"codeforge/internal/llm"
	"codeforge/internal/parser"
	"codeforge/internal/store"
	"codeforge/internal/strategy"
	"codeforge/internal/types"
	"codeforge/internal/validator"
)

func TestMain(m *testing.M) {
	// go.opencensus.io (linked transitively via google.golang.org/genai)
	// starts a global stats worker in package init that cannot be stopped.
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

const goodResponse = "FILE: main.go\n```go\npackage main\n\nfunc main() {}\n```\n"
const brokenResponse = "FILE: main.go\n```go\npackage main\n\nfunc main( {\n```\n"

// Descriptions tuned against the heuristic classifier's keyword and length
// rules: the simple one carries a trigger word, the medium one sits between
// the word-count thresholds without any keyword, the complex one names a
// rewrite.
const (
	simpleDescription = "short fix to null deref"
	mediumDescription = "Update the request handler so that it validates the incoming payload, " +
		"returns structured errors to the caller, and logs every rejected request " +
		"with its correlation identifier for later analysis."
	complexDescription = "Rework the persistence layer architecture so that all reads and writes " +
		"are routed through separate connection pools, with health checks and failover " +
		"between replicas handled by the router."
)

type fakeNudger struct {
	n atomic.Int32
}

func (f *fakeNudger) Nudge() { f.n.Add(1) }

type testEnv struct {
	exec  *Executor
	store *store.Store
	cfg   *config.Config
	pump  *fakeNudger
}

func newEnv(t *testing.T, client llm.Client) *testEnv {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "forge.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	cfg := config.DefaultConfig()
	cfg.Executor.HeartbeatIntervalSec = 1

	pump := &fakeNudger{}
	exec := New(s,
		classifier.New(cfg, nil),
		strategy.NewSelector(cfg, nil),
		client,
		validator.New(nil),
		parser.New(nil),
		pump, cfg, nil)
	return &testEnv{exec: exec, store: s, cfg: cfg, pump: pump}
}

func (env *testEnv) submit(t *testing.T, mutate ...func(*types.Task)) *types.Task {
	t.Helper()
	now := time.Now().UTC()
	task := &types.Task{
		ID:          types.NewID(),
		Title:       "Fix null check in Auth",
		Description: simpleDescription,
		UserID:      "user-1",
		TypeHint:    types.TaskTypeBugFix,
		Status:      types.TaskPending,
		ContextFiles: []types.ContextFile{
			{Path: "main.go", Content: "package main\n\nfunc main() { run() }\n"},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, m := range mutate {
		m(task)
	}
	if err := env.store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return task
}

// seqResponder replies with responses in call order, repeating the last one.
func seqResponder(responses ...string) func(context.Context, llm.Request) (*llm.Response, error) {
	var mu sync.Mutex
	var call int
	return func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		mu.Lock()
		i := call
		call++
		mu.Unlock()
		if i >= len(responses) {
			i = len(responses) - 1
		}
		return &llm.Response{
			Content:          responses[i],
			TokensPrompt:     40,
			TokensCompletion: 60,
			CostUSD:          0.01,
			Model:            req.Model,
		}, nil
	}
}

// blockingClient parks every call until its context dies.
func blockingClient() *llm.MockClient {
	return &llm.MockClient{GenerateFunc: func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
}

func countRows(t *testing.T, s *store.Store, query string, args ...any) int {
	t.Helper()
	var n int
	if err := s.DB().QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatalf("count query: %v", err)
	}
	return n
}

// waitForStatus polls until the task reaches the wanted status.
func waitForStatus(t *testing.T, s *store.Store, taskID string, want types.TaskStatus) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	var last types.TaskStatus
	for {
		task, err := s.GetTask(context.Background(), taskID)
		if err == nil {
			if task.Status == want {
				return
			}
			last = task.Status
		}
		select {
		case <-deadline:
			t.Fatalf("task %s never reached %s (last: %s)", taskID, want, last)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestRunSimpleSuccess(t *testing.T) {
	mock := &llm.MockClient{GenerateFunc: seqResponder(goodResponse)}
	env := newEnv(t, mock)
	ctx := context.Background()

	task := env.submit(t)
	got, err := env.exec.Run(ctx, task.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got.Status != types.TaskSucceeded {
		t.Fatalf("status = %s, want Succeeded", got.Status)
	}
	if got.Complexity != types.ComplexitySimple || got.Source != types.SourceHeuristic {
		t.Errorf("classification = %s/%s, want Simple/heuristic", got.Complexity, got.Source)
	}
	if got.TaskType != types.TaskTypeBugFix {
		t.Errorf("task type = %s, want bug-fix", got.TaskType)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Error("started/completed timestamps missing")
	}
	if mock.CallCount() != 1 {
		t.Errorf("llm calls = %d, want 1 for SingleShot", mock.CallCount())
	}

	exec, err := env.store.LatestExecution(ctx, task.ID)
	if err != nil {
		t.Fatalf("LatestExecution: %v", err)
	}
	if exec.Strategy != strategy.NameSingleShot {
		t.Errorf("strategy = %s, want SingleShot", exec.Strategy)
	}
	if exec.Status != types.ExecutionSucceeded {
		t.Errorf("execution status = %s", exec.Status)
	}
	if exec.Iterations != 1 || exec.TokensUsed != 100 {
		t.Errorf("iterations/tokens = %d/%d, want 1/100", exec.Iterations, exec.TokensUsed)
	}

	cs, err := env.store.GetChangeSet(ctx, exec.ID)
	if err != nil {
		t.Fatalf("GetChangeSet: %v", err)
	}
	if len(cs.Files) == 0 || cs.Files[0].Path != "main.go" {
		t.Errorf("change set files = %+v", cs.Files)
	}
	if cs.FilesChanged != 1 {
		t.Errorf("files changed = %d, want 1", cs.FilesChanged)
	}

	msgs, err := env.store.OutboxForTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("OutboxForTask: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Kind != types.EventTaskSucceeded {
		t.Fatalf("outbox = %+v, want one TaskSucceeded row", msgs)
	}

	var event types.TaskSucceededEvent
	if err := json.Unmarshal(msgs[0].Payload, &event); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if event.EventID != msgs[0].ID {
		t.Errorf("event-id = %s, want outbox row id %s", event.EventID, msgs[0].ID)
	}
	if event.SchemaVersion != types.EventSchemaVersion {
		t.Errorf("schema-version = %d", event.SchemaVersion)
	}
	if event.TaskID != task.ID || event.ExecutionID != exec.ID || event.ChangeSetID != cs.ID {
		t.Errorf("event ids = %+v", event)
	}
	if event.Tokens != 100 || event.Iterations != 1 {
		t.Errorf("event totals = %d tokens / %d iterations", event.Tokens, event.Iterations)
	}

	if env.pump.n.Load() == 0 {
		t.Error("finalize did not nudge the pump")
	}
}

func TestRunIsIdempotent(t *testing.T) {
	env := newEnv(t, &llm.MockClient{GenerateFunc: seqResponder(goodResponse)})
	ctx := context.Background()
	task := env.submit(t)

	if _, err := env.exec.Run(ctx, task.ID); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	got, err := env.exec.Run(ctx, task.ID)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if got.Status != types.TaskSucceeded {
		t.Errorf("second Run returned %s, want the terminal state", got.Status)
	}

	if n := countRows(t, env.store, `SELECT COUNT(*) FROM executions WHERE task_id = ?`, task.ID); n != 1 {
		t.Errorf("executions = %d, want 1", n)
	}
	if n := countRows(t, env.store, `SELECT COUNT(*) FROM outbox_messages WHERE task_id = ?`, task.ID); n != 1 {
		t.Errorf("outbox rows = %d, want 1", n)
	}
}

func TestRunConcurrentDoubleClaim(t *testing.T) {
	env := newEnv(t, &llm.MockClient{GenerateFunc: func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		time.Sleep(50 * time.Millisecond) // widen the race window
		return &llm.Response{Content: goodResponse, TokensPrompt: 10, TokensCompletion: 10}, nil
	}})
	ctx := context.Background()
	task := env.submit(t)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.exec.Run(ctx, task.ID); err != nil {
				t.Errorf("Run: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := countRows(t, env.store, `SELECT COUNT(*) FROM executions WHERE task_id = ?`, task.ID); n != 1 {
		t.Errorf("executions = %d, want exactly 1", n)
	}
	if n := countRows(t, env.store, `SELECT COUNT(*) FROM outbox_messages WHERE task_id = ?`, task.ID); n != 1 {
		t.Errorf("outbox rows = %d, want exactly 1", n)
	}
	waitForStatus(t, env.store, task.ID, types.TaskSucceeded)
}

func TestRunUnknownTask(t *testing.T) {
	env := newEnv(t, &llm.MockClient{})
	if _, err := env.exec.Run(context.Background(), "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestRunNoParseableChanges(t *testing.T) {
	env := newEnv(t, &llm.MockClient{GenerateFunc: seqResponder("I cannot produce changes for this.")})
	ctx := context.Background()
	task := env.submit(t)

	got, err := env.exec.Run(ctx, task.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got.Status != types.TaskFailed {
		t.Fatalf("status = %s, want Failed", got.Status)
	}

	exec, _ := env.store.LatestExecution(ctx, task.ID)
	if exec.FailureReason != strategy.ReasonNoParseableChanges {
		t.Errorf("reason = %q", exec.FailureReason)
	}
	// Tokens from the useless call are still accounted.
	if exec.TokensUsed != 100 {
		t.Errorf("tokens = %d, want 100", exec.TokensUsed)
	}
}

func TestRunIterativeRetrySuccess(t *testing.T) {
	mock := &llm.MockClient{GenerateFunc: seqResponder(brokenResponse, goodResponse)}
	env := newEnv(t, mock)
	ctx := context.Background()

	task := env.submit(t, func(tk *types.Task) {
		tk.Title = "Harden request validation"
		tk.Description = mediumDescription
		tk.TypeHint = types.TaskTypeFeature
	})

	got, err := env.exec.Run(ctx, task.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got.Status != types.TaskSucceeded {
		t.Fatalf("status = %s, want Succeeded", got.Status)
	}
	if got.Complexity != types.ComplexityMedium {
		t.Errorf("complexity = %s, want Medium", got.Complexity)
	}
	if mock.CallCount() != 2 {
		t.Errorf("llm calls = %d, want 2", mock.CallCount())
	}

	exec, _ := env.store.LatestExecution(ctx, task.ID)
	if exec.Strategy != strategy.NameIterative {
		t.Errorf("strategy = %s, want Iterative", exec.Strategy)
	}
	if exec.Iterations != 2 {
		t.Errorf("iterations = %d, want 2", exec.Iterations)
	}

	records, err := env.store.IterationRecords(ctx, exec.ID)
	if err != nil {
		t.Fatalf("IterationRecords: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	if records[0].ValidationErrors == 0 {
		t.Error("first record should carry the validation failure")
	}
	var tokens int
	var cost float64
	for i, r := range records {
		if r.Index != i {
			t.Errorf("record %d has index %d", i, r.Index)
		}
		tokens += r.TokensUsed
		cost += r.CostUSD
	}
	if tokens != exec.TokensUsed {
		t.Errorf("record tokens %d != execution total %d", tokens, exec.TokensUsed)
	}
	if d := cost - exec.CostUSD; d > 1e-9 || d < -1e-9 {
		t.Errorf("record cost %v != execution total %v", cost, exec.CostUSD)
	}
}

func TestRunIterativeExhaustion(t *testing.T) {
	mock := &llm.MockClient{GenerateFunc: seqResponder(brokenResponse)}
	env := newEnv(t, mock)
	ctx := context.Background()

	task := env.submit(t, func(tk *types.Task) {
		tk.Description = mediumDescription
	})

	got, err := env.exec.Run(ctx, task.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got.Status != types.TaskFailed {
		t.Fatalf("status = %s, want Failed", got.Status)
	}

	exec, _ := env.store.LatestExecution(ctx, task.ID)
	if exec.FailureReason != strategy.ReasonMaxIterations {
		t.Errorf("reason = %q, want %q", exec.FailureReason, strategy.ReasonMaxIterations)
	}
	if mock.CallCount() != env.cfg.Strategies.IterativeMaxIterations {
		t.Errorf("llm calls = %d, want the iteration budget %d",
			mock.CallCount(), env.cfg.Strategies.IterativeMaxIterations)
	}

	records, _ := env.store.IterationRecords(ctx, exec.ID)
	if len(records) != 3 {
		t.Errorf("records = %d, want exactly 3", len(records))
	}

	msgs, _ := env.store.OutboxForTask(ctx, task.ID)
	if len(msgs) != 1 || msgs[0].Kind != types.EventTaskFailed {
		t.Fatalf("outbox = %+v, want one TaskFailed row", msgs)
	}
	var event types.TaskFailedEvent
	if err := json.Unmarshal(msgs[0].Payload, &event); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if event.Reason != strategy.ReasonMaxIterations {
		t.Errorf("event reason = %q", event.Reason)
	}
	if len(event.Errors) == 0 || !strings.Contains(event.Errors[0], "main.go") {
		t.Errorf("event errors = %v, want the final validation errors", event.Errors)
	}
}

func TestCancelMidFlight(t *testing.T) {
	env := newEnv(t, blockingClient())
	ctx := context.Background()

	task := env.submit(t, func(tk *types.Task) {
		tk.Title = "Split the persistence layer"
		tk.Description = complexDescription
	})

	done := make(chan *types.Task, 1)
	go func() {
		got, err := env.exec.Run(ctx, task.ID)
		if err != nil {
			t.Errorf("Run: %v", err)
		}
		done <- got
	}()

	waitForStatus(t, env.store, task.ID, types.TaskExecuting)
	if err := env.exec.Cancel(ctx, task.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	got := <-done
	if got.Status != types.TaskCancelled {
		t.Fatalf("status = %s, want Cancelled", got.Status)
	}

	exec, _ := env.store.LatestExecution(ctx, task.ID)
	if exec.Status != types.ExecutionCancelled {
		t.Errorf("execution status = %s, want Cancelled", exec.Status)
	}
	if exec.Strategy != strategy.NameMultiAgent {
		t.Errorf("strategy = %s, want MultiAgent for a complex task", exec.Strategy)
	}
	if _, err := env.store.GetChangeSet(ctx, exec.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("change set err = %v, want ErrNotFound", err)
	}

	msgs, _ := env.store.OutboxForTask(ctx, task.ID)
	if len(msgs) != 1 || msgs[0].Kind != types.EventTaskCancelled {
		t.Fatalf("outbox = %+v, want one TaskCancelled row", msgs)
	}
	var event types.TaskCancelledEvent
	if err := json.Unmarshal(msgs[0].Payload, &event); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if event.ExecutionID != exec.ID {
		t.Errorf("event execution-id = %q, want %s", event.ExecutionID, exec.ID)
	}
}

func TestCancelPendingTask(t *testing.T) {
	env := newEnv(t, &llm.MockClient{})
	ctx := context.Background()
	task := env.submit(t)

	if err := env.exec.Cancel(ctx, task.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	got, _ := env.store.GetTask(ctx, task.ID)
	if got.Status != types.TaskCancelled {
		t.Fatalf("status = %s, want Cancelled", got.Status)
	}

	msgs, _ := env.store.OutboxForTask(ctx, task.ID)
	if len(msgs) != 1 || msgs[0].Kind != types.EventTaskCancelled {
		t.Fatalf("outbox = %+v, want one TaskCancelled row", msgs)
	}
	var event types.TaskCancelledEvent
	if err := json.Unmarshal(msgs[0].Payload, &event); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if event.ExecutionID != "" {
		t.Errorf("execution-id = %q, want empty before execution", event.ExecutionID)
	}

	// Cancelled tasks are not claimable.
	got, err := env.exec.Run(ctx, task.ID)
	if err != nil {
		t.Fatalf("Run after cancel: %v", err)
	}
	if got.Status != types.TaskCancelled {
		t.Errorf("Run moved a cancelled task to %s", got.Status)
	}
}

func TestCancelTerminalTask(t *testing.T) {
	env := newEnv(t, &llm.MockClient{GenerateFunc: seqResponder(goodResponse)})
	ctx := context.Background()
	task := env.submit(t)

	if _, err := env.exec.Run(ctx, task.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := env.exec.Cancel(ctx, task.ID); !errors.Is(err, store.ErrConflict) {
		t.Errorf("err = %v, want ErrConflict", err)
	}
	if err := env.exec.Cancel(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDeadlineAbandonsStrategy(t *testing.T) {
	// The client ignores cancellation until the test releases it, forcing
	// the post-deadline grace window to expire.
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	stuck := &llm.MockClient{GenerateFunc: func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		<-release
		return nil, context.Canceled
	}}

	env := newEnv(t, stuck)
	env.cfg.Executor.TaskDeadlineMediumSec = 1
	env.exec.grace = 100 * time.Millisecond
	ctx := context.Background()

	task := env.submit(t, func(tk *types.Task) {
		tk.Description = mediumDescription
	})

	start := time.Now()
	got, err := env.exec.Run(ctx, task.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got.Status != types.TaskTimedOut {
		t.Fatalf("status = %s, want TimedOut", got.Status)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("run took %v, should return shortly after deadline+grace", elapsed)
	}

	exec, _ := env.store.LatestExecution(ctx, task.ID)
	if exec.Status != types.ExecutionTimedOut {
		t.Errorf("execution status = %s, want TimedOut", exec.Status)
	}
	if exec.FailureReason != strategy.ReasonDeadlineExceeded {
		t.Errorf("reason = %q", exec.FailureReason)
	}
	// The orphaned strategy never reported, so totals stay zero.
	if exec.TokensUsed != 0 || exec.CostUSD != 0 {
		t.Errorf("totals = %d tokens / %v usd, want zero", exec.TokensUsed, exec.CostUSD)
	}

	msgs, _ := env.store.OutboxForTask(ctx, task.ID)
	if len(msgs) != 1 || msgs[0].Kind != types.EventTaskTimedOut {
		t.Fatalf("outbox = %+v, want one TaskTimedOut row", msgs)
	}
	var event types.TaskTimedOutEvent
	if err := json.Unmarshal(msgs[0].Payload, &event); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if event.ElapsedMS < 1000 {
		t.Errorf("elapsed-ms = %d, want at least the deadline", event.ElapsedMS)
	}
}

func TestOverrideSkipsClassifier(t *testing.T) {
	mock := &llm.MockClient{GenerateFunc: seqResponder(goodResponse)}
	env := newEnv(t, mock)
	ctx := context.Background()

	task := env.submit(t, func(tk *types.Task) {
		tk.Description = "tiny change" // would classify Simple
		tk.OverrideStrategy = strategy.NameMultiAgent
	})

	got, err := env.exec.Run(ctx, task.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got.Status != types.TaskSucceeded {
		t.Fatalf("status = %s: %+v", got.Status, got)
	}
	if got.Source != types.SourceOverride {
		t.Errorf("source = %s, want override", got.Source)
	}
	if got.Complexity != types.ComplexityComplex {
		t.Errorf("complexity = %s, want the override strategy's band", got.Complexity)
	}
	if got.Confidence != 1 {
		t.Errorf("confidence = %v, want 1", got.Confidence)
	}

	exec, _ := env.store.LatestExecution(ctx, task.ID)
	if exec.Strategy != strategy.NameMultiAgent {
		t.Errorf("strategy = %s, want MultiAgent", exec.Strategy)
	}
}

func TestHeartbeatAdvancesDuringRun(t *testing.T) {
	slow := &llm.MockClient{GenerateFunc: func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(1300 * time.Millisecond):
		}
		return &llm.Response{Content: goodResponse, TokensPrompt: 10, TokensCompletion: 10}, nil
	}}
	env := newEnv(t, slow)
	ctx := context.Background()
	task := env.submit(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := env.exec.Run(ctx, task.ID); err != nil {
			t.Errorf("Run: %v", err)
		}
	}()

	waitForStatus(t, env.store, task.ID, types.TaskExecuting)
	exec, err := env.store.RunningExecution(ctx, task.ID)
	if err != nil {
		t.Fatalf("RunningExecution: %v", err)
	}
	started := exec.HeartbeatAt

	deadline := time.After(4 * time.Second)
	for {
		cur, err := env.store.GetExecution(ctx, exec.ID)
		if err == nil && cur.HeartbeatAt.After(started) {
			break
		}
		select {
		case <-deadline:
			t.Fatal("heartbeat never advanced")
		case <-time.After(50 * time.Millisecond):
		}
	}
	<-done
}
