package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"codeforge/internal/types"
)

const outboxColumns = `id, task_id, kind, payload, attempt_count, created_at,
	next_attempt_at, delivered_at`

// DueOutbox returns up to limit undelivered messages whose retry time has
// arrived, oldest first. Creation order within a task is delivery order;
// the pump skips later messages of a task whose earlier message just
// failed, which preserves per-task FIFO.
func (s *Store) DueOutbox(ctx context.Context, limit int, now time.Time) ([]OutboxMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+outboxColumns+` FROM outbox_messages
		WHERE delivered_at IS NULL AND next_attempt_at <= ?
		ORDER BY created_at ASC, id ASC LIMIT ?`,
		now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("due outbox: %w", err)
	}
	defer rows.Close()

	var msgs []OutboxMessage
	for rows.Next() {
		m, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// MarkDelivered stamps the message delivered after a bus ack. Delivered
// rows stay until the retention sweep purges them.
func (s *Store) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox_messages SET delivered_at = ? WHERE id = ? AND delivered_at IS NULL`,
		at.UTC(), id)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: outbox message %s missing or already delivered", ErrConflict, id)
	}
	return nil
}

// RescheduleOutbox counts a failed delivery attempt and sets the next try.
func (s *Store) RescheduleOutbox(ctx context.Context, id string, nextAttempt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox_messages
		SET attempt_count = attempt_count + 1, next_attempt_at = ?
		WHERE id = ? AND delivered_at IS NULL`,
		nextAttempt.UTC(), id)
	if err != nil {
		return fmt.Errorf("reschedule outbox: %w", err)
	}
	return nil
}

// PurgeDelivered removes delivered rows older than the cutoff and returns
// how many went away.
func (s *Store) PurgeDelivered(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM outbox_messages WHERE delivered_at IS NOT NULL AND delivered_at < ?`,
		cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge delivered: %w", err)
	}
	return res.RowsAffected()
}

// CountUndelivered returns the outbox backlog. Intake uses this for the
// backpressure watermark; the pump exports it as a gauge.
func (s *Store) CountUndelivered(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox_messages WHERE delivered_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count undelivered: %w", err)
	}
	return n, nil
}

// OutboxForTask returns every outbox row for a task in creation order,
// delivered or not.
func (s *Store) OutboxForTask(ctx context.Context, taskID string) ([]OutboxMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+outboxColumns+` FROM outbox_messages
		WHERE task_id = ? ORDER BY created_at ASC, id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("outbox for task: %w", err)
	}
	defer rows.Close()

	var msgs []OutboxMessage
	for rows.Next() {
		m, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

func scanOutbox(rows *sql.Rows) (*OutboxMessage, error) {
	var m OutboxMessage
	var kind, payload string
	var deliveredAt sql.NullTime
	if err := rows.Scan(&m.ID, &m.TaskID, &kind, &payload, &m.AttemptCount,
		&m.CreatedAt, &m.NextAttemptAt, &deliveredAt); err != nil {
		return nil, fmt.Errorf("scan outbox message: %w", err)
	}
	m.Kind = types.EventKind(kind)
	m.Payload = []byte(payload)
	if deliveredAt.Valid {
		at := deliveredAt.Time
		m.DeliveredAt = &at
	}
	return &m, nil
}

// =============================================================================
// PUBLISHER LEASE
// =============================================================================

// AcquireLease takes or renews the singleton publisher lease. It returns
// true when holder owns the lease after the call. A live lease held by
// someone else is left alone.
func (s *Store) AcquireLease(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	expires := now.Add(ttl)

	var acquired bool
	err := s.inTx(func(tx *sql.Tx) error {
		var current string
		var expiresAt time.Time
		err := tx.QueryRow(`SELECT holder, expires_at FROM publisher_lease WHERE id = 1`).
			Scan(&current, &expiresAt)
		switch {
		case err == sql.ErrNoRows:
			if _, err := tx.Exec(`
				INSERT INTO publisher_lease (id, holder, expires_at) VALUES (1, ?, ?)`,
				holder, expires); err != nil {
				return fmt.Errorf("insert lease: %w", err)
			}
			acquired = true
			return nil
		case err != nil:
			return fmt.Errorf("read lease: %w", err)
		}

		if current != holder && expiresAt.After(now) {
			return nil // live lease owned elsewhere
		}
		if _, err := tx.Exec(`
			UPDATE publisher_lease SET holder = ?, expires_at = ? WHERE id = 1`,
			holder, expires); err != nil {
			return fmt.Errorf("update lease: %w", err)
		}
		acquired = true
		return nil
	})
	return acquired, err
}

// ReleaseLease gives up the lease if holder owns it.
func (s *Store) ReleaseLease(ctx context.Context, holder string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM publisher_lease WHERE id = 1 AND holder = ?`, holder)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}
