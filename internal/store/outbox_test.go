package store

import (
	"context"
	"testing"
	"time"

	"codeforge/internal/types"
)

// seedOutbox finalizes a pending task with a single outbox row and
// returns that row's ID.
func seedOutbox(t *testing.T, s *Store, title string) (taskID, msgID string) {
	t.Helper()
	task := newTask(title)
	mustCreate(t, s, task)
	row := outboxFor(task, types.EventTaskCancelled)
	if err := s.FinalizeTaskOnly(context.Background(), task.ID, types.TaskPending, types.TaskCancelled, row); err != nil {
		t.Fatalf("FinalizeTaskOnly: %v", err)
	}
	return task.ID, row.ID
}

func TestDueOutboxOrderingAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		_, id := seedOutbox(t, s, "task")
		ids = append(ids, id)
		time.Sleep(5 * time.Millisecond) // distinct created_at
	}

	due, err := s.DueOutbox(ctx, 10, time.Now())
	if err != nil {
		t.Fatalf("DueOutbox: %v", err)
	}
	if len(due) != 3 {
		t.Fatalf("due = %d, want 3", len(due))
	}
	for i, m := range due {
		if m.ID != ids[i] {
			t.Errorf("position %d = %s, want %s (oldest first)", i, m.ID, ids[i])
		}
	}

	due, err = s.DueOutbox(ctx, 2, time.Now())
	if err != nil {
		t.Fatalf("DueOutbox limit: %v", err)
	}
	if len(due) != 2 {
		t.Errorf("limited due = %d, want 2", len(due))
	}
}

func TestDueOutboxHonorsNextAttempt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, id := seedOutbox(t, s, "deferred")
	if err := s.RescheduleOutbox(ctx, id, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("RescheduleOutbox: %v", err)
	}

	due, err := s.DueOutbox(ctx, 10, time.Now())
	if err != nil {
		t.Fatalf("DueOutbox: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("due = %d, want 0 before next attempt time", len(due))
	}

	due, _ = s.DueOutbox(ctx, 10, time.Now().Add(2*time.Hour))
	if len(due) != 1 {
		t.Fatalf("due = %d, want 1 after next attempt time", len(due))
	}
	if due[0].AttemptCount != 1 {
		t.Errorf("attempt count = %d, want 1", due[0].AttemptCount)
	}
}

func TestMarkDeliveredRemovesFromDue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	taskID, id := seedOutbox(t, s, "delivered")
	if err := s.MarkDelivered(ctx, id, time.Now()); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}

	due, _ := s.DueOutbox(ctx, 10, time.Now().Add(time.Hour))
	if len(due) != 0 {
		t.Errorf("due = %d after delivery, want 0", len(due))
	}

	// DeliveredAt is visible via the per-task view.
	msgs, _ := s.OutboxForTask(ctx, taskID)
	if len(msgs) != 1 || msgs[0].DeliveredAt == nil {
		t.Errorf("outbox = %+v, want delivered_at set", msgs)
	}

	n, _ := s.CountUndelivered(ctx)
	if n != 0 {
		t.Errorf("undelivered = %d, want 0", n)
	}
}

func TestPurgeDelivered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, id1 := seedOutbox(t, s, "old")
	_, id2 := seedOutbox(t, s, "undelivered")

	old := time.Now().Add(-48 * time.Hour)
	if err := s.MarkDelivered(ctx, id1, old); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}

	purged, err := s.PurgeDelivered(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PurgeDelivered: %v", err)
	}
	if purged != 1 {
		t.Errorf("purged = %d, want 1", purged)
	}

	// Undelivered rows survive any retention cutoff.
	n, _ := s.CountUndelivered(ctx)
	if n != 1 {
		t.Errorf("undelivered = %d, want 1", n)
	}
	due, _ := s.DueOutbox(ctx, 10, time.Now())
	if len(due) != 1 || due[0].ID != id2 {
		t.Errorf("due = %+v, want only %s", due, id2)
	}
}

func TestRescheduleCountsAttempts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, id := seedOutbox(t, s, "retry")
	for i := 0; i < 3; i++ {
		if err := s.RescheduleOutbox(ctx, id, time.Now().Add(-time.Second)); err != nil {
			t.Fatalf("RescheduleOutbox %d: %v", i, err)
		}
	}

	due, _ := s.DueOutbox(ctx, 10, time.Now())
	if len(due) != 1 {
		t.Fatalf("due = %d, want 1", len(due))
	}
	if due[0].AttemptCount != 3 {
		t.Errorf("attempt count = %d, want 3", due[0].AttemptCount)
	}
}

func TestAcquireLease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.AcquireLease(ctx, "worker-a", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}
	if !ok {
		t.Fatal("first acquire should win")
	}

	// A live foreign lease cannot be taken.
	ok, err = s.AcquireLease(ctx, "worker-b", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLease b: %v", err)
	}
	if ok {
		t.Error("worker-b acquired a live lease held by worker-a")
	}

	// The holder renews its own lease freely.
	ok, err = s.AcquireLease(ctx, "worker-a", time.Minute)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if !ok {
		t.Error("holder failed to renew own lease")
	}
}

func TestAcquireLeaseExpiredTakeover(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Negative TTL produces an already-expired lease.
	if ok, _ := s.AcquireLease(ctx, "worker-a", -time.Second); !ok {
		t.Fatal("seed acquire failed")
	}

	ok, err := s.AcquireLease(ctx, "worker-b", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}
	if !ok {
		t.Error("worker-b should take an expired lease")
	}
}

func TestReleaseLease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if ok, _ := s.AcquireLease(ctx, "worker-a", time.Minute); !ok {
		t.Fatal("seed acquire failed")
	}
	// Releasing someone else's lease is a no-op.
	if err := s.ReleaseLease(ctx, "worker-b"); err != nil {
		t.Fatalf("ReleaseLease b: %v", err)
	}
	if ok, _ := s.AcquireLease(ctx, "worker-c", time.Minute); ok {
		t.Error("lease should still be held by worker-a")
	}

	if err := s.ReleaseLease(ctx, "worker-a"); err != nil {
		t.Fatalf("ReleaseLease a: %v", err)
	}
	if ok, _ := s.AcquireLease(ctx, "worker-c", time.Minute); !ok {
		t.Error("released lease should be acquirable")
	}
}
