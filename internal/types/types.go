// Package types provides shared type definitions used across codeforge packages.
// This package exists to break import cycles between intake, executor, strategy,
// and store. Types in this package are foundational data structures with no
// complex dependencies.
package types

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// TASK
// =============================================================================

// TaskStatus represents the lifecycle status of a task.
type TaskStatus string

const (
	TaskPending     TaskStatus = "Pending"     // Accepted, waiting for a worker
	TaskClassifying TaskStatus = "Classifying" // Claimed, complexity classification in flight
	TaskExecuting   TaskStatus = "Executing"   // Strategy running
	TaskSucceeded   TaskStatus = "Succeeded"   // Terminal: change set produced
	TaskFailed      TaskStatus = "Failed"      // Terminal: execution failed
	TaskCancelled   TaskStatus = "Cancelled"   // Terminal: cancelled by caller
	TaskTimedOut    TaskStatus = "TimedOut"    // Terminal: deadline expired
)

// IsTerminal reports whether the status permits no further transitions.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskCancelled, TaskTimedOut:
		return true
	}
	return false
}

// CanTransitionTo reports whether s -> next is a legal forward transition.
// The reaper's Classifying -> Pending reset is not part of this table; the
// store exposes it as a dedicated operation.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	switch s {
	case TaskPending:
		return next == TaskClassifying || next == TaskCancelled
	case TaskClassifying:
		return next == TaskExecuting || next == TaskFailed || next == TaskCancelled || next == TaskTimedOut
	case TaskExecuting:
		return next.IsTerminal()
	default:
		return false
	}
}

// TaskType is the caller-supplied or classifier-derived kind of change.
type TaskType string

const (
	TaskTypeBugFix   TaskType = "bug-fix"
	TaskTypeFeature  TaskType = "feature"
	TaskTypeRefactor TaskType = "refactor"
	TaskTypeOther    TaskType = "other"
)

// KnownTaskType reports whether t is one of the recognized type hints.
func KnownTaskType(t TaskType) bool {
	switch t {
	case TaskTypeBugFix, TaskTypeFeature, TaskTypeRefactor, TaskTypeOther:
		return true
	}
	return false
}

// Complexity is the classification band that governs strategy selection.
type Complexity string

const (
	ComplexitySimple  Complexity = "Simple"
	ComplexityMedium  Complexity = "Medium"
	ComplexityComplex Complexity = "Complex"
	ComplexityEpic    Complexity = "Epic"
)

// KnownComplexity reports whether c is a recognized band.
func KnownComplexity(c Complexity) bool {
	switch c {
	case ComplexitySimple, ComplexityMedium, ComplexityComplex, ComplexityEpic:
		return true
	}
	return false
}

// ClassificationSource records where a task's classification came from.
type ClassificationSource string

const (
	SourceML        ClassificationSource = "ml"
	SourceHeuristic ClassificationSource = "heuristic"
	SourceOverride  ClassificationSource = "override"
)

// Classification is the result of complexity classification.
type Classification struct {
	TaskType   TaskType             `json:"task_type"`
	Complexity Complexity           `json:"complexity"`
	Confidence float64              `json:"confidence"` // 0.0-1.0
	Source     ClassificationSource `json:"source"`
}

// ContextFile is a file supplied with a task submission as context for the
// strategy's prompts. The core never reads a working tree itself.
type ContextFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Task is an intent to change code, submitted to the core.
type Task struct {
	ID               string     `json:"id"`
	Title            string     `json:"title"`
	Description      string     `json:"description"`
	UserID           string     `json:"user_id"`
	TypeHint         TaskType   `json:"type_hint,omitempty"`
	OverrideStrategy string     `json:"override_strategy,omitempty"`
	Priority         int        `json:"priority"` // 0 (lowest) - 3 (highest)
	Status           TaskStatus `json:"status"`

	// Classification fields, written exactly once when leaving Classifying.
	TaskType   TaskType             `json:"task_type,omitempty"`
	Complexity Complexity           `json:"complexity,omitempty"`
	Confidence float64              `json:"confidence,omitempty"`
	Source     ClassificationSource `json:"classification_source,omitempty"`

	// ClientToken enables idempotent resubmission within the intake window.
	ClientToken string `json:"client_token,omitempty"`

	// ContextFiles are carried with the task so strategies can cite current
	// file contents in prompts.
	ContextFiles []ContextFile `json:"context_files,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// =============================================================================
// EXECUTION
// =============================================================================

// ExecutionStatus represents the status of a single task execution attempt.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "Running"
	ExecutionSucceeded ExecutionStatus = "Succeeded"
	ExecutionFailed    ExecutionStatus = "Failed"
	ExecutionTimedOut  ExecutionStatus = "TimedOut"
	ExecutionCancelled ExecutionStatus = "Cancelled"
)

// IsTerminal reports whether the execution is sealed.
func (s ExecutionStatus) IsTerminal() bool {
	return s != ExecutionRunning && s != ""
}

// Execution is one attempt at carrying out a task. A task owns its
// executions; at most one per task is Running at any moment.
type Execution struct {
	ID            string          `json:"id"`
	TaskID        string          `json:"task_id"`
	Strategy      string          `json:"strategy"`
	Status        ExecutionStatus `json:"status"`
	StartedAt     time.Time       `json:"started_at"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
	HeartbeatAt   time.Time       `json:"heartbeat_at"`
	Iterations    int             `json:"iterations"`
	TokensUsed    int             `json:"tokens_used"`
	CostUSD       float64         `json:"cost_usd"`
	FailureReason string          `json:"failure_reason,omitempty"`
}

// IterationRecord is the per-iteration diagnostic written for every LLM
// call a strategy makes. Indexes are contiguous from 0 within an execution,
// and the per-execution totals equal the sum over its records.
type IterationRecord struct {
	ExecutionID      string        `json:"execution_id"`
	Index            int           `json:"index"`
	PromptLen        int           `json:"prompt_len"`
	TokensUsed       int           `json:"tokens_used"`
	CostUSD          float64       `json:"cost_usd"`
	ValidationErrors int           `json:"validation_errors"`
	Duration         time.Duration `json:"duration"`
	CreatedAt        time.Time     `json:"created_at"`
}

// =============================================================================
// CHANGE SET
// =============================================================================

// ChangeType describes what a FileChange does to its path.
type ChangeType string

const (
	ChangeCreate ChangeType = "create"
	ChangeModify ChangeType = "modify"
	ChangeDelete ChangeType = "delete"
)

// FileChange is a single file modification produced by a strategy.
// Language is the normalized language tag, empty when unknown.
type FileChange struct {
	Path       string     `json:"path"`
	Language   string     `json:"language,omitempty"`
	ChangeType ChangeType `json:"change_type"`
	Content    string     `json:"content"`
}

// ChangeSet is the artifact of a successful execution: an ordered list of
// file changes with counted metrics. Paths within a change set are unique.
type ChangeSet struct {
	ID           string       `json:"id"`
	ExecutionID  string       `json:"execution_id"`
	Files        []FileChange `json:"files"`
	FilesChanged int          `json:"files_changed"`
	LinesAdded   int          `json:"lines_added"`
	LinesRemoved int          `json:"lines_removed"`
	CreatedAt    time.Time    `json:"created_at"`
}

// DedupeByPath collapses duplicate paths keeping the last occurrence, which
// preserves last-write-wins semantics for repeated declarations. Order of
// first appearance is preserved.
func DedupeByPath(changes []FileChange) []FileChange {
	if len(changes) < 2 {
		return changes
	}
	last := make(map[string]int, len(changes))
	for i, c := range changes {
		last[c.Path] = i
	}
	out := make([]FileChange, 0, len(last))
	seen := make(map[string]bool, len(last))
	for _, c := range changes {
		if seen[c.Path] {
			continue
		}
		seen[c.Path] = true
		out = append(out, changes[last[c.Path]])
	}
	return out
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

// NewID returns a fresh opaque 128-bit identifier in canonical string form.
func NewID() string {
	return uuid.NewString()
}
