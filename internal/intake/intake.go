// Package intake validates task submissions, answers status queries, and
// applies backpressure before anything reaches the store. It owns the HTTP
// surface and the bus-side submission path; everything past the Pending
// insert belongs to the executor.
package intake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"codeforge/internal/config"
	"codeforge/internal/metrics"
	"codeforge/internal/store"
	"codeforge/internal/strategy"
	"codeforge/internal/types"
)

var (
	// ErrInvalidInput rejects a submission that fails validation.
	ErrInvalidInput = errors.New("invalid input")
	// ErrOverloaded rejects a submission while a backlog watermark is
	// exceeded. Clients may retry.
	ErrOverloaded = errors.New("overloaded")
	// ErrAlreadyTerminal rejects a cancel for a task that already sealed.
	ErrAlreadyTerminal = errors.New("task already terminal")
)

var validate = validator.New()

// Submission is one task intake request, from HTTP or the bus consumer.
type Submission struct {
	UserID           string              `json:"user_id" validate:"required"`
	Title            string              `json:"title" validate:"required"`
	Description      string              `json:"description"`
	TypeHint         types.TaskType      `json:"type_hint,omitempty"`
	OverrideStrategy string              `json:"override_strategy,omitempty"`
	Priority         int                 `json:"priority" validate:"gte=0,lte=3"`
	ClientToken      string              `json:"client_token,omitempty"`
	ContextFiles     []types.ContextFile `json:"context_files,omitempty"`

	// source labels the submitted-tasks metric; empty means "api".
	source string
}

// Validate checks the submission against the struct tags and the configured
// size caps. All failures wrap ErrInvalidInput.
func (sub Submission) Validate(cfg *config.Config) error {
	if err := validate.Struct(sub); err != nil {
		var fields validator.ValidationErrors
		if errors.As(err, &fields) && len(fields) > 0 {
			return fmt.Errorf("%w: field %s fails %q", ErrInvalidInput, fields[0].Field(), fields[0].Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if len(sub.Description) > cfg.MaxDescriptionBytes() {
		return fmt.Errorf("%w: description is %d bytes, limit %d",
			ErrInvalidInput, len(sub.Description), cfg.MaxDescriptionBytes())
	}
	if sub.TypeHint != "" && !types.KnownTaskType(sub.TypeHint) {
		return fmt.Errorf("%w: unknown type hint %q", ErrInvalidInput, sub.TypeHint)
	}
	if sub.OverrideStrategy != "" && !strategy.KnownStrategy(sub.OverrideStrategy) {
		return fmt.Errorf("%w: unknown strategy %q", ErrInvalidInput, sub.OverrideStrategy)
	}
	total := 0
	for _, f := range sub.ContextFiles {
		if f.Path == "" {
			return fmt.Errorf("%w: context file with empty path", ErrInvalidInput)
		}
		total += len(f.Content)
	}
	if total > cfg.MaxContextBytes() {
		return fmt.Errorf("%w: context files total %d bytes, limit %d",
			ErrInvalidInput, total, cfg.MaxContextBytes())
	}
	return nil
}

// Runtime is the executor-side surface intake drives: waking the worker pool
// after an accepted submission and forwarding cancels.
type Runtime interface {
	Nudge()
	Cancel(ctx context.Context, taskID string) error
}

// Service accepts, reads, and cancels tasks.
type Service struct {
	store   *store.Store
	runtime Runtime
	cfg     *config.Config
	log     *zap.Logger
}

func NewService(st *store.Store, rt Runtime, cfg *config.Config, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: st, runtime: rt, cfg: cfg, log: log.Named("intake")}
}

// Submit validates the submission, folds client-token duplicates onto the
// prior task, applies the backlog watermarks, and inserts a Pending task.
func (s *Service) Submit(ctx context.Context, sub Submission) (*types.Task, error) {
	if err := sub.Validate(s.cfg); err != nil {
		metrics.TasksRejected.WithLabelValues("invalid").Inc()
		return nil, err
	}

	if sub.ClientToken != "" {
		since := time.Now().Add(-s.cfg.GetIdempotencyWindow())
		prior, err := s.store.FindTaskByClientToken(ctx, sub.ClientToken, since)
		if err == nil {
			metrics.TasksDeduplicated.Inc()
			s.log.Info("duplicate submission folded onto existing task",
				zap.String("task_id", prior.ID),
				zap.String("client_token", sub.ClientToken))
			return prior, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	if err := s.admit(ctx); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	task := &types.Task{
		ID:               types.NewID(),
		Title:            sub.Title,
		Description:      sub.Description,
		UserID:           sub.UserID,
		TypeHint:         sub.TypeHint,
		OverrideStrategy: sub.OverrideStrategy,
		Priority:         sub.Priority,
		Status:           types.TaskPending,
		ClientToken:      sub.ClientToken,
		ContextFiles:     sub.ContextFiles,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	metrics.TasksSubmitted.WithLabelValues(sub.sourceLabel()).Inc()
	s.runtime.Nudge()
	s.log.Info("task submitted",
		zap.String("task_id", task.ID),
		zap.String("title", task.Title),
		zap.String("source", sub.sourceLabel()),
		zap.Int("priority", task.Priority))
	return task, nil
}

func (sub Submission) sourceLabel() string {
	if sub.source == "" {
		return "api"
	}
	return sub.source
}

// admit enforces the backlog watermarks. Pending tasks over the watermark
// mean the pool cannot keep up; an undelivered outbox over its watermark
// means downstream consumers cannot.
func (s *Service) admit(ctx context.Context) error {
	pending, err := s.store.CountTasksInStatus(ctx, types.TaskPending)
	if err != nil {
		return fmt.Errorf("count pending: %w", err)
	}
	if pending >= s.cfg.Intake.PendingWatermark {
		metrics.TasksRejected.WithLabelValues("pending-backlog").Inc()
		return fmt.Errorf("%w: %d tasks pending", ErrOverloaded, pending)
	}
	undelivered, err := s.store.CountUndelivered(ctx)
	if err != nil {
		return fmt.Errorf("count undelivered: %w", err)
	}
	if undelivered >= s.cfg.Intake.OutboxWatermark {
		metrics.TasksRejected.WithLabelValues("outbox-backlog").Inc()
		return fmt.Errorf("%w: %d events undelivered", ErrOverloaded, undelivered)
	}
	return nil
}

// TaskView is a task with its most recent execution and, when the task
// succeeded, the change set that execution produced.
type TaskView struct {
	Task      *types.Task      `json:"task"`
	Execution *types.Execution `json:"execution,omitempty"`
	ChangeSet *types.ChangeSet `json:"change_set,omitempty"`
}

// Get returns the task view, or store.ErrNotFound.
func (s *Service) Get(ctx context.Context, taskID string) (*TaskView, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	view := &TaskView{Task: task}

	exec, err := s.store.LatestExecution(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return view, nil
		}
		return nil, err
	}
	view.Execution = exec

	if task.Status == types.TaskSucceeded {
		cs, err := s.store.GetChangeSet(ctx, exec.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		view.ChangeSet = cs
	}
	return view, nil
}

// Cancel validates the task state and forwards the cancel to the runtime.
// It returns the refreshed task so callers can report the final status.
func (s *Service) Cancel(ctx context.Context, taskID string) (*types.Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: task %s is %s", ErrAlreadyTerminal, taskID, task.Status)
	}
	if err := s.runtime.Cancel(ctx, taskID); err != nil {
		// The task sealed between our read and the runtime's.
		if errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("%w: %v", ErrAlreadyTerminal, err)
		}
		return nil, err
	}
	return s.store.GetTask(ctx, taskID)
}

// Healthy reports whether the store is reachable.
func (s *Service) Healthy(ctx context.Context) error {
	return s.store.DB().PingContext(ctx)
}
