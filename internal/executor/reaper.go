package executor

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"codeforge/internal/config"
	"codeforge/internal/metrics"
	"codeforge/internal/store"
	"codeforge/internal/types"
)

// reasonAbandoned marks executions whose worker stopped heartbeating.
const reasonAbandoned = "abandoned"

// Reaper reconciles tasks stranded in a non-terminal state by a dead worker.
// It is the only component allowed to move a task without owning it: stuck
// Classifying tasks go back to Pending, and Executing tasks whose heartbeat
// went silent are sealed Failed.
type Reaper struct {
	store    *store.Store
	pump     Nudger
	log      *zap.Logger
	interval time.Duration
	window   time.Duration
}

// NewReaper creates a reaper from config. pump may be nil.
func NewReaper(st *store.Store, pump Nudger, cfg *config.Config, log *zap.Logger) *Reaper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reaper{
		store:    st,
		pump:     pump,
		log:      log.Named("reaper"),
		interval: cfg.GetReaperInterval(),
		window:   cfg.GetReaperStaleWindow(),
	}
}

// Run sweeps on the configured interval until ctx ends.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.Info("reaper started",
		zap.Duration("interval", r.interval),
		zap.Duration("stale_window", r.window))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep performs one reconciliation pass.
func (r *Reaper) Sweep(ctx context.Context) {
	cutoff := time.Now().Add(-r.window)
	r.resetStaleClassifying(ctx, cutoff)
	r.sealStaleExecuting(ctx, cutoff)
}

// resetStaleClassifying returns tasks stuck in Classifying to Pending so a
// live worker can reclaim them. A task that already has an execution row is
// left for the Executing sweep.
func (r *Reaper) resetStaleClassifying(ctx context.Context, cutoff time.Time) {
	ids, err := r.store.StaleTaskIDs(ctx, types.TaskClassifying, cutoff)
	if err != nil {
		r.log.Warn("stale classifying scan failed", zap.Error(err))
		return
	}
	for _, id := range ids {
		if err := r.store.ResetStaleClassifying(ctx, id); err != nil {
			if !errors.Is(err, store.ErrConflict) {
				r.log.Warn("reset failed", zap.String("task_id", id), zap.Error(err))
			}
			continue
		}
		metrics.ReaperActions.WithLabelValues("reset").Inc()
		r.log.Info("stale classifying task reset to pending", zap.String("task_id", id))
	}
}

// sealStaleExecuting fails Executing tasks whose Running execution stopped
// heartbeating before the cutoff. Tasks with a fresh heartbeat are slow, not
// dead, and are left alone.
func (r *Reaper) sealStaleExecuting(ctx context.Context, cutoff time.Time) {
	ids, err := r.store.StaleTaskIDs(ctx, types.TaskExecuting, cutoff)
	if err != nil {
		r.log.Warn("stale executing scan failed", zap.Error(err))
		return
	}
	for _, id := range ids {
		exec, err := r.store.RunningExecution(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			// Executing with no Running row should be unreachable given the
			// start transaction; seal the task so it cannot wedge forever.
			r.sealTaskOnly(ctx, id)
			continue
		}
		if err != nil {
			r.log.Warn("running execution lookup failed", zap.String("task_id", id), zap.Error(err))
			continue
		}
		if !exec.HeartbeatAt.Before(cutoff) {
			continue
		}

		row, err := failedRow(id, exec.ID, exec.Strategy, reasonAbandoned)
		if err != nil {
			r.log.Warn("event build failed", zap.String("task_id", id), zap.Error(err))
			continue
		}
		if err := r.store.SealAbandoned(ctx, id, exec.ID, reasonAbandoned, row); err != nil {
			if !errors.Is(err, store.ErrConflict) {
				r.log.Warn("seal failed", zap.String("task_id", id), zap.Error(err))
			}
			continue
		}
		metrics.ReaperActions.WithLabelValues("seal").Inc()
		metrics.TasksFinalized.WithLabelValues(string(types.TaskFailed), exec.Strategy).Inc()
		r.nudgePump()
		r.log.Warn("abandoned task sealed as failed",
			zap.String("task_id", id),
			zap.String("execution_id", exec.ID),
			zap.Time("last_heartbeat", exec.HeartbeatAt))
	}
}

func (r *Reaper) sealTaskOnly(ctx context.Context, taskID string) {
	row, err := failedRow(taskID, "", "", reasonAbandoned)
	if err != nil {
		r.log.Warn("event build failed", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	err = r.store.FinalizeTaskOnly(ctx, taskID, types.TaskExecuting, types.TaskFailed, row)
	if err != nil {
		if !errors.Is(err, store.ErrConflict) {
			r.log.Warn("seal failed", zap.String("task_id", taskID), zap.Error(err))
		}
		return
	}
	metrics.ReaperActions.WithLabelValues("seal").Inc()
	r.nudgePump()
	r.log.Warn("executing task with no running execution sealed", zap.String("task_id", taskID))
}

func (r *Reaper) nudgePump() {
	if r.pump != nil {
		r.pump.Nudge()
	}
}
