package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventSchemaVersion is stamped on every emitted event envelope. Consumers
// dedupe by event-id; schema-version lets them reject payloads they do not
// understand.
const EventSchemaVersion = 1

// EventKind identifies a terminal-transition domain event.
type EventKind string

const (
	EventTaskSucceeded EventKind = "TaskSucceeded"
	EventTaskFailed    EventKind = "TaskFailed"
	EventTaskTimedOut  EventKind = "TaskTimedOut"
	EventTaskCancelled EventKind = "TaskCancelled"
)

// SubjectSuffix returns the bus subject token for the kind, appended to the
// configured subject prefix (e.g. "forge.tasks" + "." + "succeeded").
func (k EventKind) SubjectSuffix() string {
	switch k {
	case EventTaskSucceeded:
		return "succeeded"
	case EventTaskFailed:
		return "failed"
	case EventTaskTimedOut:
		return "timedout"
	case EventTaskCancelled:
		return "cancelled"
	}
	return "unknown"
}

// KindForTaskStatus maps a terminal task status to its event kind.
func KindForTaskStatus(s TaskStatus) (EventKind, error) {
	switch s {
	case TaskSucceeded:
		return EventTaskSucceeded, nil
	case TaskFailed:
		return EventTaskFailed, nil
	case TaskTimedOut:
		return EventTaskTimedOut, nil
	case TaskCancelled:
		return EventTaskCancelled, nil
	}
	return "", fmt.Errorf("no event kind for task status %q", s)
}

// EventMeta is the envelope shared by all emitted events. EventID equals the
// outbox row id, so it is stable across delivery retries.
type EventMeta struct {
	EventID       string    `json:"event-id"`
	SchemaVersion int       `json:"schema-version"`
	Kind          EventKind `json:"kind"`
	OccurredAt    time.Time `json:"occurred-at"`
}

// TaskSucceededEvent announces a task that produced a change set.
type TaskSucceededEvent struct {
	EventMeta
	TaskID       string  `json:"task-id"`
	ExecutionID  string  `json:"execution-id"`
	Strategy     string  `json:"strategy"`
	Iterations   int     `json:"iterations"`
	Tokens       int     `json:"tokens"`
	CostUSD      float64 `json:"cost-usd"`
	FilesChanged int     `json:"files-changed"`
	LinesAdded   int     `json:"lines-added"`
	LinesRemoved int     `json:"lines-removed"`
	ChangeSetID  string  `json:"changeset-id"`
}

// TaskFailedEvent announces a task whose execution failed.
type TaskFailedEvent struct {
	EventMeta
	TaskID      string   `json:"task-id"`
	ExecutionID string   `json:"execution-id"`
	Strategy    string   `json:"strategy"`
	Iterations  int      `json:"iterations"`
	Tokens      int      `json:"tokens"`
	CostUSD     float64  `json:"cost-usd"`
	Reason      string   `json:"reason"`
	Errors      []string `json:"errors"`
}

// TaskTimedOutEvent announces a task that exceeded its deadline.
// ExecutionID is empty when the deadline expired before an execution started.
type TaskTimedOutEvent struct {
	EventMeta
	TaskID      string `json:"task-id"`
	ExecutionID string `json:"execution-id,omitempty"`
	ElapsedMS   int64  `json:"elapsed-ms"`
}

// TaskCancelledEvent announces a cancelled task. ExecutionID is empty when
// the task was cancelled while still Pending.
type TaskCancelledEvent struct {
	EventMeta
	TaskID      string `json:"task-id"`
	ExecutionID string `json:"execution-id,omitempty"`
}

// NewEventMeta builds the envelope for an event about to be enqueued.
func NewEventMeta(eventID string, kind EventKind, occurredAt time.Time) EventMeta {
	return EventMeta{
		EventID:       eventID,
		SchemaVersion: EventSchemaVersion,
		Kind:          kind,
		OccurredAt:    occurredAt.UTC(),
	}
}

// MarshalEvent renders an event payload as canonical JSON for the outbox.
func MarshalEvent(event any) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return data, nil
}

// =============================================================================
// CONSUMED EVENTS
// =============================================================================

// BuildFailedEvent is consumed from CI; the intake consumer translates it
// into a bug-fix task submission.
type BuildFailedEvent struct {
	BuildID      string    `json:"build-id"`
	Repository   string    `json:"repository"`
	Branch       string    `json:"branch"`
	CommitSHA    string    `json:"commit-sha"`
	ErrorMessage string    `json:"error-message"`
	OccurredAt   time.Time `json:"occurred-at"`
}
