// Package strategy implements the execution strategies that turn a task into
// a validated set of file changes: SingleShot for simple tasks, Iterative for
// medium ones, MultiAgent for complex work. The selector maps a
// classification band to a strategy and a model id.
package strategy

import (
	"context"
	"time"

	"go.uber.org/zap"

	"codeforge/internal/llm"
	"codeforge/internal/parser"
	"codeforge/internal/types"
	"codeforge/internal/validator"
)

// Strategy names, also the values accepted as manual overrides.
const (
	NameSingleShot = "SingleShot"
	NameIterative  = "Iterative"
	NameMultiAgent = "MultiAgent"
)

// KnownStrategy reports whether name identifies a strategy.
func KnownStrategy(name string) bool {
	switch name {
	case NameSingleShot, NameIterative, NameMultiAgent:
		return true
	}
	return false
}

// Failure reasons strategies report. The executor maps the first three to
// the TimedOut and Cancelled terminal statuses; everything else is Failed.
const (
	ReasonDeadlineExceeded  = "deadline exceeded"
	ReasonWallClockExceeded = "wall clock exceeded"
	ReasonCancelled         = "cancelled"

	ReasonNoParseableChanges = "no parseable changes"
	ReasonMaxIterations      = "max iterations exceeded"
	ReasonValidationFailed   = "validation failed"
	ReasonLLMCallFailed      = "llm call failed"
)

// Generation parameters shared by every strategy's LLM calls.
const (
	genTemperature     = 0.3
	genMaxOutputTokens = 4000
)

// ExecutionContext carries everything a strategy needs for one execution.
// Strategies read it, never mutate it, and hold no state of their own across
// executions.
type ExecutionContext struct {
	Task         *types.Task
	ContextFiles []types.ContextFile
	Model        string

	LLM       llm.Client
	Validator *validator.Validator
	Parser    *parser.Parser
}

// Result is what a strategy execution produced. It is the single source of
// truth for the finalize step: totals, records, and changes all come from
// here, never from strategy-side persistence.
type Result struct {
	Success    bool
	Changes    []types.FileChange
	Reason     string
	Errors     []string
	Iterations int
	TokensUsed int
	CostUSD    float64
	Records    []types.IterationRecord
	Duration   time.Duration
}

// Strategy runs one task execution to completion. Execute never panics and
// never returns nil; cancellation and deadlines are observed at every LLM and
// validator call.
type Strategy interface {
	Name() string
	Execute(ctx context.Context, ec *ExecutionContext) *Result
}

// run accumulates shared per-execution state: totals, records, and the start
// time every strategy measures Duration from.
type run struct {
	ec      *ExecutionContext
	log     *zap.Logger
	start   time.Time
	result  *Result
	nextIdx int
}

func newRun(ec *ExecutionContext, log *zap.Logger) *run {
	return &run{
		ec:     ec,
		log:    log,
		start:  time.Now(),
		result: &Result{},
	}
}

// call makes one LLM call and appends its IterationRecord. Failed calls still
// get a record so indexes stay contiguous and every call is accounted for.
// The returned record pointer stays valid for setting ValidationErrors.
func (r *run) call(ctx context.Context, system, user string) (*llm.Response, *types.IterationRecord, error) {
	req := llm.Request{
		Model: r.ec.Model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: system},
			{Role: llm.RoleUser, Content: user},
		},
		Temperature:     genTemperature,
		MaxOutputTokens: genMaxOutputTokens,
	}

	callStart := time.Now()
	resp, err := r.ec.LLM.Generate(ctx, req)

	rec := types.IterationRecord{
		Index:     r.nextIdx,
		PromptLen: len(system) + len(user),
		Duration:  time.Since(callStart),
		CreatedAt: time.Now().UTC(),
	}
	if resp != nil {
		rec.TokensUsed = resp.TokensUsed()
		rec.CostUSD = resp.CostUSD
		r.result.TokensUsed += rec.TokensUsed
		r.result.CostUSD += resp.CostUSD
	}
	r.nextIdx++
	r.result.Iterations++
	r.result.Records = append(r.result.Records, rec)

	if err != nil {
		r.log.Debug("llm call failed",
			zap.String("task_id", r.ec.Task.ID),
			zap.Int("index", rec.Index),
			zap.Error(err))
		return nil, r.lastRecord(), err
	}
	return resp, r.lastRecord(), nil
}

func (r *run) lastRecord() *types.IterationRecord {
	return &r.result.Records[len(r.result.Records)-1]
}

// succeed seals the result with a validated change set.
func (r *run) succeed(changes []types.FileChange) *Result {
	r.result.Success = true
	r.result.Changes = changes
	r.result.Duration = time.Since(r.start)
	return r.result
}

// fail seals the result with a reason and the errors that led to it.
func (r *run) fail(reason string, errs []string) *Result {
	r.result.Success = false
	r.result.Reason = reason
	r.result.Errors = errs
	r.result.Duration = time.Since(r.start)
	return r.result
}

// interruptReason distinguishes what ended a run early: the task context's
// deadline or cancellation takes precedence over a strategy-local budget.
func interruptReason(taskCtx context.Context, fallback string) string {
	switch taskCtx.Err() {
	case context.DeadlineExceeded:
		return ReasonDeadlineExceeded
	case context.Canceled:
		return ReasonCancelled
	}
	return fallback
}
