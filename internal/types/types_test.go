package types

import (
	"encoding/json"
	"testing"
	"time"
)

func TestTaskStatusIsTerminal(t *testing.T) {
	terminal := []TaskStatus{TaskSucceeded, TaskFailed, TaskCancelled, TaskTimedOut}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}

	live := []TaskStatus{TaskPending, TaskClassifying, TaskExecuting}
	for _, s := range live {
		if s.IsTerminal() {
			t.Errorf("expected %s to be non-terminal", s)
		}
	}
}

func TestTaskStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to TaskStatus
		want     bool
	}{
		{TaskPending, TaskClassifying, true},
		{TaskPending, TaskCancelled, true},
		{TaskPending, TaskExecuting, false},
		{TaskPending, TaskSucceeded, false},
		{TaskClassifying, TaskExecuting, true},
		{TaskClassifying, TaskFailed, true},
		{TaskClassifying, TaskCancelled, true},
		{TaskClassifying, TaskTimedOut, true},
		{TaskClassifying, TaskPending, false}, // reaper reset is a store-level op
		{TaskClassifying, TaskSucceeded, false},
		{TaskExecuting, TaskSucceeded, true},
		{TaskExecuting, TaskFailed, true},
		{TaskExecuting, TaskTimedOut, true},
		{TaskExecuting, TaskCancelled, true},
		{TaskExecuting, TaskClassifying, false},
		{TaskExecuting, TaskPending, false},
		{TaskSucceeded, TaskFailed, false},
		{TaskFailed, TaskExecuting, false},
		{TaskCancelled, TaskPending, false},
		{TaskTimedOut, TaskSucceeded, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
			t.Errorf("CanTransitionTo(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestExecutionStatusIsTerminal(t *testing.T) {
	if ExecutionRunning.IsTerminal() {
		t.Error("Running should not be terminal")
	}
	for _, s := range []ExecutionStatus{ExecutionSucceeded, ExecutionFailed, ExecutionTimedOut, ExecutionCancelled} {
		if !s.IsTerminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}
}

func TestDedupeByPath(t *testing.T) {
	changes := []FileChange{
		{Path: "a.go", Content: "first"},
		{Path: "b.go", Content: "only"},
		{Path: "a.go", Content: "second"},
	}

	out := DedupeByPath(changes)
	if len(out) != 2 {
		t.Fatalf("expected 2 changes, got %d", len(out))
	}
	if out[0].Path != "a.go" || out[0].Content != "second" {
		t.Errorf("expected last write for a.go to win, got %q", out[0].Content)
	}
	if out[1].Path != "b.go" {
		t.Errorf("expected b.go preserved in order, got %s", out[1].Path)
	}
}

func TestDedupeByPathNoDuplicates(t *testing.T) {
	changes := []FileChange{{Path: "x.go"}, {Path: "y.go"}}
	out := DedupeByPath(changes)
	if len(out) != 2 {
		t.Fatalf("expected 2 changes, got %d", len(out))
	}
}

func TestKindForTaskStatus(t *testing.T) {
	tests := []struct {
		status TaskStatus
		kind   EventKind
	}{
		{TaskSucceeded, EventTaskSucceeded},
		{TaskFailed, EventTaskFailed},
		{TaskTimedOut, EventTaskTimedOut},
		{TaskCancelled, EventTaskCancelled},
	}
	for _, tt := range tests {
		kind, err := KindForTaskStatus(tt.status)
		if err != nil {
			t.Fatalf("KindForTaskStatus(%s): %v", tt.status, err)
		}
		if kind != tt.kind {
			t.Errorf("KindForTaskStatus(%s) = %s, want %s", tt.status, kind, tt.kind)
		}
	}

	if _, err := KindForTaskStatus(TaskExecuting); err == nil {
		t.Error("expected error for non-terminal status")
	}
}

func TestEventSubjectSuffixes(t *testing.T) {
	want := map[EventKind]string{
		EventTaskSucceeded: "succeeded",
		EventTaskFailed:    "failed",
		EventTaskTimedOut:  "timedout",
		EventTaskCancelled: "cancelled",
	}
	for kind, suffix := range want {
		if got := kind.SubjectSuffix(); got != suffix {
			t.Errorf("SubjectSuffix(%s) = %s, want %s", kind, got, suffix)
		}
	}
}

func TestEventEnvelopeJSON(t *testing.T) {
	occurred := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ev := TaskFailedEvent{
		EventMeta:   NewEventMeta("evt-1", EventTaskFailed, occurred),
		TaskID:      "task-1",
		ExecutionID: "exec-1",
		Strategy:    "Iterative",
		Iterations:  3,
		Tokens:      1200,
		CostUSD:     0.06,
		Reason:      "max iterations exceeded",
		Errors:      []string{"main.go: syntax error"},
	}

	data, err := MarshalEvent(ev)
	if err != nil {
		t.Fatalf("MarshalEvent: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["event-id"] != "evt-1" {
		t.Errorf("event-id = %v", decoded["event-id"])
	}
	if decoded["schema-version"] != float64(EventSchemaVersion) {
		t.Errorf("schema-version = %v", decoded["schema-version"])
	}
	if decoded["kind"] != string(EventTaskFailed) {
		t.Errorf("kind = %v", decoded["kind"])
	}
	if decoded["task-id"] != "task-1" {
		t.Errorf("task-id = %v", decoded["task-id"])
	}
	if decoded["cost-usd"] != 0.06 {
		t.Errorf("cost-usd = %v", decoded["cost-usd"])
	}
}

func TestNewIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewID()
		if id == "" {
			t.Fatal("empty id")
		}
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}
