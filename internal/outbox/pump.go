// Package outbox pumps queued domain events from the store to the bus.
// Rows are written by the store's terminal transactions; the pump polls for
// due rows, publishes them, and retries failures with exponential backoff.
// Delivery is at-least-once and FIFO per task.
package outbox

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"codeforge/internal/config"
	"codeforge/internal/metrics"
	"codeforge/internal/store"
	"codeforge/internal/types"
)

// Publisher delivers one event to the bus. msgID is the event id; the bus
// side dedupes on it.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, msgID string) error
}

// Pump is the outbox poller. Exactly one pump per instance group does the
// publishing at a time, gated by the store's publisher lease; standby pumps
// keep polling for the lease and take over when the leader stops renewing.
type Pump struct {
	store *store.Store
	pub   Publisher
	log   *zap.Logger

	holder        string
	subjectPrefix string
	pollInterval  time.Duration
	batchSize     int
	backoffBase   time.Duration
	backoffFactor float64
	backoffCap    time.Duration
	leaseTTL      time.Duration
	retention     time.Duration

	wake chan struct{}
	rng  *rand.Rand
	mu   sync.Mutex // guards rng

	lastPurge time.Time
}

// New creates a Pump from config. holder identifies this instance in the
// publisher lease; a fresh id per process is the normal choice.
func New(st *store.Store, pub Publisher, cfg *config.Config, log *zap.Logger) *Pump {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pump{
		store:         st,
		pub:           pub,
		log:           log.Named("outbox"),
		holder:        types.NewID(),
		subjectPrefix: cfg.Bus.SubjectPrefix,
		pollInterval:  cfg.GetOutboxPollInterval(),
		batchSize:     cfg.Outbox.BatchSize,
		backoffBase:   cfg.GetOutboxBackoffBase(),
		backoffFactor: cfg.Outbox.BackoffFactor,
		backoffCap:    cfg.GetOutboxBackoffCap(),
		leaseTTL:      cfg.GetLeaseTTL(),
		retention:     cfg.GetOutboxRetention(),
		wake:          make(chan struct{}, 1),
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Nudge wakes the pump ahead of its next poll. Called after a finalize so a
// fresh event does not wait out the poll interval. Never blocks.
func (p *Pump) Nudge() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run polls until the context ends. It renews the lease every cycle and
// publishes only while holding it; losing the lease silences the pump
// without stopping it.
func (p *Pump) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	defer p.release()

	p.log.Info("outbox pump started",
		zap.String("holder", p.holder),
		zap.Duration("poll_interval", p.pollInterval),
		zap.Int("batch_size", p.batchSize))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-p.wake:
		}

		leader, err := p.store.AcquireLease(ctx, p.holder, p.leaseTTL)
		if err != nil {
			p.log.Warn("lease acquisition failed", zap.Error(err))
			continue
		}
		if !leader {
			continue
		}

		p.drain(ctx)
		p.maybePurge(ctx)
	}
}

// drain publishes one batch of due messages. A failed message blocks later
// messages of the same task inside the batch, preserving per-task FIFO.
func (p *Pump) drain(ctx context.Context) {
	now := time.Now()
	msgs, err := p.store.DueOutbox(ctx, p.batchSize, now)
	if err != nil {
		p.log.Warn("outbox poll failed", zap.Error(err))
		return
	}

	if backlog, err := p.store.CountUndelivered(ctx); err == nil {
		metrics.OutboxPending.Set(float64(backlog))
	}
	if len(msgs) == 0 {
		return
	}

	blocked := make(map[string]bool)
	for _, msg := range msgs {
		if ctx.Err() != nil {
			return
		}
		if blocked[msg.TaskID] {
			continue
		}

		subject := p.subjectPrefix + "." + msg.Kind.SubjectSuffix()
		if err := p.pub.Publish(ctx, subject, msg.Payload, msg.ID); err != nil {
			blocked[msg.TaskID] = true
			next := now.Add(p.backoff(msg.AttemptCount + 1))
			if rerr := p.store.RescheduleOutbox(ctx, msg.ID, next); rerr != nil {
				p.log.Warn("reschedule failed", zap.String("id", msg.ID), zap.Error(rerr))
			}
			metrics.OutboxRetries.Inc()
			p.log.Warn("publish failed",
				zap.String("id", msg.ID),
				zap.String("kind", string(msg.Kind)),
				zap.Int("attempt", msg.AttemptCount+1),
				zap.Time("next_attempt", next),
				zap.Error(err))
			continue
		}

		if err := p.store.MarkDelivered(ctx, msg.ID, time.Now()); err != nil {
			// Already-delivered conflicts are possible after a lease handover
			// mid-batch; the bus dedupes on the event id either way.
			p.log.Debug("mark delivered failed", zap.String("id", msg.ID), zap.Error(err))
			continue
		}
		metrics.OutboxPublished.WithLabelValues(string(msg.Kind)).Inc()
		p.log.Debug("event published",
			zap.String("id", msg.ID),
			zap.String("kind", string(msg.Kind)),
			zap.String("task_id", msg.TaskID))
	}
}

// backoff computes the delay before attempt n (1-based): base * factor^(n-1),
// capped, with ±20% jitter.
func (p *Pump) backoff(attempt int) time.Duration {
	d := float64(p.backoffBase)
	for i := 1; i < attempt; i++ {
		d *= p.backoffFactor
		if d >= float64(p.backoffCap) {
			d = float64(p.backoffCap)
			break
		}
	}
	if d > float64(p.backoffCap) {
		d = float64(p.backoffCap)
	}

	p.mu.Lock()
	jitter := 1 + (p.rng.Float64()*0.4 - 0.2)
	p.mu.Unlock()
	return time.Duration(d * jitter)
}

// maybePurge sweeps delivered rows past the retention window, at most once
// per minute so the delete does not ride every poll.
func (p *Pump) maybePurge(ctx context.Context) {
	if p.retention <= 0 || time.Since(p.lastPurge) < time.Minute {
		return
	}
	p.lastPurge = time.Now()

	n, err := p.store.PurgeDelivered(ctx, time.Now().Add(-p.retention))
	if err != nil {
		p.log.Warn("purge failed", zap.Error(err))
		return
	}
	if n > 0 {
		p.log.Debug("purged delivered outbox rows", zap.Int64("rows", n))
	}
}

// release gives the lease back on shutdown so a standby can take over
// without waiting for expiry.
func (p *Pump) release() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.store.ReleaseLease(ctx, p.holder); err != nil {
		p.log.Debug("lease release failed", zap.Error(err))
	}
}
