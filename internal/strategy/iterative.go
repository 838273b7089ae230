package strategy

import (
	"context"
	"time"

	"go.uber.org/zap"

	"codeforge/internal/llm"
	"codeforge/internal/types"
)

// Iterative runs a bounded generate-validate loop. Validation errors from one
// iteration feed the next prompt verbatim; the loop stops on success, on the
// iteration budget, or on its wall clock, whichever comes first.
type Iterative struct {
	maxIterations int
	wallClock     time.Duration
	log           *zap.Logger
}

// NewIterative creates the strategy for Medium tasks.
func NewIterative(maxIterations int, wallClock time.Duration, log *zap.Logger) *Iterative {
	if log == nil {
		log = zap.NewNop()
	}
	return &Iterative{
		maxIterations: maxIterations,
		wallClock:     wallClock,
		log:           log.Named("iterative"),
	}
}

// Name returns the strategy name.
func (s *Iterative) Name() string { return NameIterative }

// Execute runs up to maxIterations sequential iterations under the tighter
// of the wall clock and the task deadline. A retryable LLM failure consumes
// an iteration and surfaces as that iteration's error; an empty parse fails
// the execution outright.
func (s *Iterative) Execute(ctx context.Context, ec *ExecutionContext) *Result {
	runCtx, cancel := context.WithTimeout(ctx, s.wallClock)
	defer cancel()

	r := newRun(ec, s.log)
	var lastErrors []string

	for i := 0; i < s.maxIterations; i++ {
		if runCtx.Err() != nil {
			return r.fail(interruptReason(ctx, ReasonWallClockExceeded), lastErrors)
		}

		user := BuildUserPrompt(ec.Task, ec.ContextFiles, lastErrors)
		resp, rec, err := r.call(runCtx, changeSystemPrompt, user)
		if err != nil {
			if !llm.IsRetryable(err) {
				return r.fail(interruptReason(ctx, ReasonLLMCallFailed), []string{err.Error()})
			}
			lastErrors = []string{err.Error()}
			continue
		}

		changes := types.DedupeByPath(ec.Parser.Parse(resp.Content))
		if len(changes) == 0 {
			return r.fail(ReasonNoParseableChanges, lastErrors)
		}

		vr := ec.Validator.Validate(runCtx, changes)
		rec.ValidationErrors = len(vr.Errors)
		if vr.OK {
			return r.succeed(changes)
		}
		s.log.Debug("iteration rejected by validator",
			zap.String("task_id", ec.Task.ID),
			zap.Int("iteration", i),
			zap.Int("errors", len(vr.Errors)))
		lastErrors = vr.Errors
	}

	return r.fail(ReasonMaxIterations, lastErrors)
}
