package executor

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"codeforge/internal/config"
	"codeforge/internal/metrics"
	"codeforge/internal/store"
)

// backstopInterval is how often an idle worker checks for pending tasks on
// its own, covering nudges lost while every worker was busy.
const backstopInterval = 2 * time.Second

// Pool bounds how many tasks execute concurrently. Workers claim the oldest
// pending task by CAS; claims that lose the race are cheap no-ops. Saturation
// needs no special handling: unclaimed tasks simply stay Pending.
type Pool struct {
	exec  *Executor
	store *store.Store
	size  int
	log   *zap.Logger

	wake chan struct{}
}

// NewPool creates a worker pool of the configured size.
func NewPool(exec *Executor, st *store.Store, cfg *config.Config, log *zap.Logger) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	size := cfg.Executor.WorkerPoolSize
	if size < 1 {
		size = 1
	}
	return &Pool{
		exec:  exec,
		store: st,
		size:  size,
		log:   log.Named("pool"),
		wake:  make(chan struct{}, 1),
	}
}

// Nudge wakes an idle worker. Safe from any goroutine, never blocks.
func (p *Pool) Nudge() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Cancel requests cancellation of a task. Exposed on the pool so intake
// holds one runtime handle for both waking and cancelling.
func (p *Pool) Cancel(ctx context.Context, taskID string) error {
	return p.exec.Cancel(ctx, taskID)
}

// Run starts the workers and blocks until ctx ends and every worker has
// drained. It always returns nil so an errgroup peer failing is what stops
// the pool, not the other way around.
func (p *Pool) Run(ctx context.Context) error {
	p.log.Info("worker pool started", zap.Int("workers", p.size))

	var wg sync.WaitGroup
	for i := 0; i < p.size; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.worker(ctx, id)
		}(i)
	}
	// One nudge covers tasks that were already Pending at startup.
	p.Nudge()

	wg.Wait()
	p.log.Info("worker pool stopped")
	return nil
}

func (p *Pool) worker(ctx context.Context, id int) {
	ticker := time.NewTicker(backstopInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		case <-ticker.C:
		}
		p.drain(ctx, id)
	}
}

// drain claims and runs pending tasks until none remain. After each claim
// the worker re-nudges so an idle sibling picks up the next task while this
// one is busy executing.
func (p *Pool) drain(ctx context.Context, workerID int) {
	for ctx.Err() == nil {
		taskID, err := p.store.NextPendingID(ctx)
		if errors.Is(err, store.ErrNotFound) {
			return
		}
		if err != nil {
			p.log.Warn("pending scan failed", zap.Int("worker", workerID), zap.Error(err))
			return
		}
		p.Nudge()

		metrics.WorkersBusy.Inc()
		task, err := p.exec.Run(ctx, taskID)
		metrics.WorkersBusy.Dec()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Error("task run failed",
				zap.Int("worker", workerID),
				zap.String("task_id", taskID),
				zap.Error(err))
			continue
		}
		p.log.Debug("worker finished task",
			zap.Int("worker", workerID),
			zap.String("task_id", task.ID),
			zap.String("status", string(task.Status)))
	}
}
