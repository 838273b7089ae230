package strategy

import (
	"context"

	"go.uber.org/zap"

	"codeforge/internal/types"
)

// SingleShot makes exactly one LLM call and one validation pass. No retry:
// an empty parse or a failed validation fails the execution.
type SingleShot struct {
	log *zap.Logger
}

// NewSingleShot creates the strategy for Simple tasks.
func NewSingleShot(log *zap.Logger) *SingleShot {
	if log == nil {
		log = zap.NewNop()
	}
	return &SingleShot{log: log.Named("singleshot")}
}

// Name returns the strategy name.
func (s *SingleShot) Name() string { return NameSingleShot }

// Execute runs the single call-parse-validate pass.
func (s *SingleShot) Execute(ctx context.Context, ec *ExecutionContext) *Result {
	r := newRun(ec, s.log)

	user := BuildUserPrompt(ec.Task, ec.ContextFiles, nil)
	resp, rec, err := r.call(ctx, changeSystemPrompt, user)
	if err != nil {
		return r.fail(interruptReason(ctx, ReasonLLMCallFailed), []string{err.Error()})
	}

	changes := types.DedupeByPath(ec.Parser.Parse(resp.Content))
	if len(changes) == 0 {
		return r.fail(ReasonNoParseableChanges, nil)
	}

	vr := ec.Validator.Validate(ctx, changes)
	rec.ValidationErrors = len(vr.Errors)
	if !vr.OK {
		return r.fail(ReasonValidationFailed, vr.Errors)
	}
	return r.succeed(changes)
}
