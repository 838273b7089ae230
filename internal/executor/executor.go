// Package executor drives tasks through their lifecycle: claim, classify,
// select a strategy, run it under the band deadline, and commit the terminal
// outcome atomically. The worker pool bounds concurrency and the reaper
// reconciles tasks whose worker died mid-flight.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"codeforge/internal/classifier"
	"codeforge/internal/config"
	"codeforge/internal/diff"
	"codeforge/internal/llm"
	"codeforge/internal/metrics"
	"codeforge/internal/parser"
	"codeforge/internal/store"
	"codeforge/internal/strategy"
	"codeforge/internal/types"
	"codeforge/internal/validator"
)

// Nudger wakes the outbox pump after a finalize so fresh events do not wait
// out the poll interval.
type Nudger interface {
	Nudge()
}

// Executor runs one task at a time per Run call. It holds no per-task state
// beyond the cancel registry; everything authoritative lives in the store.
type Executor struct {
	store      *store.Store
	classifier *classifier.Classifier
	selector   *strategy.Selector
	llm        llm.Client
	validator  *validator.Validator
	parser     *parser.Parser
	diff       *diff.Engine
	pump       Nudger
	cfg        *config.Config
	log        *zap.Logger

	// grace is how long an expired or cancelled strategy gets to return
	// before its execution is sealed without it.
	grace time.Duration

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New wires an Executor. pump may be nil in tests that do not care about
// event delivery latency.
func New(st *store.Store, cls *classifier.Classifier, sel *strategy.Selector,
	client llm.Client, val *validator.Validator, prs *parser.Parser,
	pump Nudger, cfg *config.Config, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{
		store:      st,
		classifier: cls,
		selector:   sel,
		llm:        client,
		validator:  val,
		parser:     prs,
		diff:       diff.NewEngine(),
		pump:       pump,
		cfg:        cfg,
		log:        log.Named("executor"),
		grace:      2 * time.Second,
		cancels:    make(map[string]context.CancelFunc),
	}
}

// Run drives the task through its full lifecycle and returns the resulting
// task state. Idempotent: if the task is already claimed or terminal, Run is
// a no-op that returns the current state. ctx ending mid-run abandons the
// task to the reaper rather than forcing a terminal status.
func (e *Executor) Run(ctx context.Context, taskID string) (*types.Task, error) {
	// The cancel handle goes into the registry before the claim so a Cancel
	// arriving right after our CAS still reaches this run.
	runCtx, cancel := context.WithCancel(ctx)
	e.register(taskID, cancel)
	defer e.deregister(taskID)
	defer cancel()

	claimedAt := time.Now()
	if err := e.store.CASTaskStatus(ctx, taskID, types.TaskPending, types.TaskClassifying); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Someone else owns it, or it is already terminal.
			return e.store.GetTask(ctx, taskID)
		}
		return nil, err
	}

	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	e.log.Info("task claimed",
		zap.String("task_id", task.ID),
		zap.String("title", task.Title),
		zap.Int("priority", task.Priority))

	cls := e.classify(runCtx, task)
	if err := e.storeClassification(ctx, task, &cls); err != nil {
		return nil, err
	}

	strat, model := e.selector.Select(task, &cls)
	deadline := e.cfg.GetTaskDeadline(cls.Complexity)

	// A cancel that landed during classification seals the task here, before
	// any execution row exists.
	if runCtx.Err() != nil && ctx.Err() == nil {
		return e.sealBeforeExecution(ctx, task, types.TaskClassifying)
	}

	now := time.Now().UTC()
	exec := &types.Execution{
		ID:          types.NewID(),
		TaskID:      task.ID,
		Strategy:    strat.Name(),
		Status:      types.ExecutionRunning,
		StartedAt:   now,
		HeartbeatAt: now,
	}
	if err := e.store.StartExecution(ctx, exec); err != nil {
		// Task stays Classifying; the reaper resets it to Pending.
		return nil, fmt.Errorf("start execution: %w", err)
	}
	e.log.Info("execution started",
		zap.String("task_id", task.ID),
		zap.String("execution_id", exec.ID),
		zap.String("strategy", strat.Name()),
		zap.String("model", model),
		zap.String("complexity", string(cls.Complexity)),
		zap.Duration("deadline", deadline))

	hbStop := e.startHeartbeat(ctx, exec.ID)
	defer hbStop()

	res, abandoned := e.runStrategy(ctx, runCtx, deadline, strat, &strategy.ExecutionContext{
		Task:         task,
		ContextFiles: task.ContextFiles,
		Model:        model,
		LLM:          e.llm,
		Validator:    e.validator,
		Parser:       e.parser,
	})
	if res == nil {
		if ctx.Err() != nil {
			// Shutdown: leave the task Executing for the reaper or a restart.
			e.log.Warn("abandoning in-flight task on shutdown",
				zap.String("task_id", task.ID),
				zap.String("execution_id", exec.ID))
			return task, ctx.Err()
		}
		// The strategy outlived its grace window; seal without it. Its
		// goroutine exits on its own once it observes the dead context.
		res = abandoned
	}

	if err := e.finalize(context.WithoutCancel(ctx), task, exec, res, claimedAt); err != nil {
		return nil, err
	}
	return e.store.GetTask(context.WithoutCancel(ctx), taskID)
}

// Cancel requests cancellation of a task. Pending tasks are sealed directly;
// claimed tasks are signalled through the cancel registry and wind down at
// the strategy's next suspension point. Best-effort: a task owned by a dead
// worker is left for the reaper.
func (e *Executor) Cancel(ctx context.Context, taskID string) error {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		return fmt.Errorf("%w: task %s already %s", store.ErrConflict, taskID, task.Status)
	}

	if task.Status == types.TaskPending {
		row, err := cancelledRow(task.ID, "")
		if err != nil {
			return err
		}
		err = e.store.FinalizeTaskOnly(ctx, task.ID, types.TaskPending, types.TaskCancelled, row)
		if err == nil {
			metrics.TasksFinalized.WithLabelValues(string(types.TaskCancelled), "").Inc()
			e.nudgePump()
			e.log.Info("pending task cancelled", zap.String("task_id", taskID))
			return nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return err
		}
		// Lost the race against a claiming worker; fall through and signal it.
	}

	if e.signal(taskID) {
		e.log.Info("cancellation signalled", zap.String("task_id", taskID))
	} else {
		e.log.Warn("no live run to cancel, reaper will reconcile",
			zap.String("task_id", taskID),
			zap.String("status", string(task.Status)))
	}
	return nil
}

// classify produces the task's classification. A valid manual override skips
// the classifier entirely and implies the band of the forced strategy.
func (e *Executor) classify(ctx context.Context, task *types.Task) types.Classification {
	if task.OverrideStrategy != "" && strategy.KnownStrategy(task.OverrideStrategy) {
		taskType := types.TaskTypeOther
		if types.KnownTaskType(task.TypeHint) {
			taskType = task.TypeHint
		}
		metrics.ClassifierRequests.WithLabelValues(string(types.SourceOverride)).Inc()
		return types.Classification{
			TaskType:   taskType,
			Complexity: strategy.ComplexityForStrategy(task.OverrideStrategy),
			Confidence: 1,
			Source:     types.SourceOverride,
		}
	}
	return e.classifier.Classify(ctx, task)
}

// storeClassification writes the classification exactly once. If the task
// was classified by an earlier run (reaper reset after the write), the
// stored values win.
func (e *Executor) storeClassification(ctx context.Context, task *types.Task, cls *types.Classification) error {
	err := e.store.SetClassification(ctx, task.ID, *cls)
	if err == nil {
		task.TaskType = cls.TaskType
		task.Complexity = cls.Complexity
		task.Confidence = cls.Confidence
		task.Source = cls.Source
		return nil
	}
	if !errors.Is(err, store.ErrConflict) {
		return fmt.Errorf("store classification: %w", err)
	}

	fresh, gerr := e.store.GetTask(ctx, task.ID)
	if gerr != nil {
		return gerr
	}
	*cls = types.Classification{
		TaskType:   fresh.TaskType,
		Complexity: fresh.Complexity,
		Confidence: fresh.Confidence,
		Source:     fresh.Source,
	}
	*task = *fresh
	e.log.Debug("reusing stored classification",
		zap.String("task_id", task.ID),
		zap.String("complexity", string(cls.Complexity)))
	return nil
}

// runStrategy executes the strategy under the band deadline on its own
// goroutine. It returns the strategy's result, or nil plus a synthesized
// result when the strategy did not return within the grace window after its
// context died.
func (e *Executor) runStrategy(ctx, runCtx context.Context, deadline time.Duration,
	strat strategy.Strategy, ec *strategy.ExecutionContext) (res, abandoned *strategy.Result) {

	deadlineCtx, cancel := context.WithTimeout(runCtx, deadline)
	defer cancel()

	resCh := make(chan *strategy.Result, 1)
	started := time.Now()
	go func() {
		defer func() {
			if p := recover(); p != nil {
				e.log.Error("strategy panicked",
					zap.String("task_id", ec.Task.ID),
					zap.String("strategy", strat.Name()),
					zap.Any("panic", p))
				resCh <- &strategy.Result{
					Reason:   "internal-error",
					Errors:   []string{fmt.Sprint(p)},
					Duration: time.Since(started),
				}
			}
		}()
		resCh <- strat.Execute(deadlineCtx, ec)
	}()

	select {
	case res = <-resCh:
		return res, nil
	case <-deadlineCtx.Done():
	}
	if ctx.Err() != nil {
		return nil, nil // shutdown, caller abandons
	}

	select {
	case res = <-resCh:
		return res, nil
	case <-time.After(e.grace):
	}

	// Grace expired. Seal with the interrupt cause and zero totals; whatever
	// the orphaned strategy was accumulating is lost.
	reason := strategy.ReasonCancelled
	if errors.Is(deadlineCtx.Err(), context.DeadlineExceeded) {
		reason = strategy.ReasonDeadlineExceeded
	}
	e.log.Warn("strategy abandoned after grace window",
		zap.String("task_id", ec.Task.ID),
		zap.String("strategy", strat.Name()),
		zap.String("reason", reason),
		zap.Duration("grace", e.grace))
	return nil, &strategy.Result{
		Reason:   reason,
		Duration: time.Since(started),
	}
}

// finalize commits the terminal outcome in one store transaction and nudges
// the pump. It runs on a context detached from the task's cancellation.
func (e *Executor) finalize(ctx context.Context, task *types.Task, exec *types.Execution,
	res *strategy.Result, claimedAt time.Time) error {

	execStatus, taskStatus := terminalFor(res)

	var cs *types.ChangeSet
	if res.Success {
		cs = e.buildChangeSet(task, exec.ID, res.Changes)
	}

	row, err := terminalRow(task, exec, res, taskStatus, cs)
	if err != nil {
		return err
	}

	req := store.FinalizeRequest{
		ExecutionID:   exec.ID,
		ExecStatus:    execStatus,
		FinishedAt:    time.Now().UTC(),
		Iterations:    res.Iterations,
		TokensUsed:    res.TokensUsed,
		CostUSD:       res.CostUSD,
		FailureReason: res.Reason,
		Records:       res.Records,
		ChangeSet:     cs,
		TaskID:        task.ID,
		TaskStatus:    taskStatus,
		Outbox:        row,
	}
	if err := e.store.Finalize(ctx, req); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// The reaper sealed it first. The store state is terminal either
			// way, so surface it instead of an error.
			e.log.Warn("finalize lost to a concurrent seal",
				zap.String("task_id", task.ID),
				zap.String("execution_id", exec.ID))
			return nil
		}
		return fmt.Errorf("finalize task %s: %w", task.ID, err)
	}

	metrics.TasksFinalized.WithLabelValues(string(taskStatus), exec.Strategy).Inc()
	metrics.TaskDuration.WithLabelValues(exec.Strategy).Observe(time.Since(claimedAt).Seconds())
	metrics.IterationsRun.WithLabelValues(exec.Strategy).Add(float64(res.Iterations))
	e.nudgePump()

	e.log.Info("task finalized",
		zap.String("task_id", task.ID),
		zap.String("execution_id", exec.ID),
		zap.String("status", string(taskStatus)),
		zap.String("reason", res.Reason),
		zap.Int("iterations", res.Iterations),
		zap.Int("tokens", res.TokensUsed),
		zap.Float64("cost_usd", res.CostUSD),
		zap.Duration("duration", res.Duration))
	return nil
}

// sealBeforeExecution handles a cancel that arrived while the task was still
// Classifying: terminal transition plus event, no execution row.
func (e *Executor) sealBeforeExecution(ctx context.Context, task *types.Task, expected types.TaskStatus) (*types.Task, error) {
	row, err := cancelledRow(task.ID, "")
	if err != nil {
		return nil, err
	}
	ctx = context.WithoutCancel(ctx)
	if err := e.store.FinalizeTaskOnly(ctx, task.ID, expected, types.TaskCancelled, row); err != nil {
		return nil, err
	}
	metrics.TasksFinalized.WithLabelValues(string(types.TaskCancelled), "").Inc()
	e.nudgePump()
	e.log.Info("task cancelled before execution", zap.String("task_id", task.ID))
	return e.store.GetTask(ctx, task.ID)
}

// buildChangeSet assembles the ChangeSet from validated changes, diffing
// against the submitted context files to get line stats.
func (e *Executor) buildChangeSet(task *types.Task, executionID string, changes []types.FileChange) *types.ChangeSet {
	baseline := make(map[string]string, len(task.ContextFiles))
	for _, f := range task.ContextFiles {
		baseline[f.Path] = f.Content
	}
	filesChanged, added, removed := e.diff.ChangeSetStats(changes, baseline)
	return &types.ChangeSet{
		ID:           types.NewID(),
		ExecutionID:  executionID,
		Files:        changes,
		FilesChanged: filesChanged,
		LinesAdded:   added,
		LinesRemoved: removed,
		CreatedAt:    time.Now().UTC(),
	}
}

// startHeartbeat keeps the execution's heartbeat fresh while the strategy
// runs. The returned stop function blocks until the goroutine exits.
func (e *Executor) startHeartbeat(ctx context.Context, executionID string) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	interval := e.cfg.GetHeartbeatInterval()
	detached := context.WithoutCancel(ctx)

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := e.store.Heartbeat(detached, executionID, time.Now()); err != nil {
					e.log.Debug("heartbeat failed",
						zap.String("execution_id", executionID), zap.Error(err))
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(stop) })
		<-done
	}
}

// terminalFor maps a strategy result to the execution and task terminal
// statuses.
func terminalFor(res *strategy.Result) (types.ExecutionStatus, types.TaskStatus) {
	switch {
	case res.Success:
		return types.ExecutionSucceeded, types.TaskSucceeded
	case res.Reason == strategy.ReasonCancelled:
		return types.ExecutionCancelled, types.TaskCancelled
	case res.Reason == strategy.ReasonDeadlineExceeded,
		res.Reason == strategy.ReasonWallClockExceeded:
		return types.ExecutionTimedOut, types.TaskTimedOut
	default:
		return types.ExecutionFailed, types.TaskFailed
	}
}

func (e *Executor) nudgePump() {
	if e.pump != nil {
		e.pump.Nudge()
	}
}

func (e *Executor) register(taskID string, cancel context.CancelFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancels[taskID] = cancel
}

func (e *Executor) deregister(taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cancels, taskID)
}

// signal fires the registered cancel for a task, reporting whether a live
// run was found.
func (e *Executor) signal(taskID string) bool {
	e.mu.Lock()
	cancel, ok := e.cancels[taskID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}
