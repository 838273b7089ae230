// Package validator checks proposed file changes before they become a
// change set. The default pipeline checks paths and content limits, then
// parses each file in a language with a registered parser. Additional
// checks (compile, test) plug in behind the Checker interface.
package validator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"codeforge/internal/types"
)

// Result is the outcome of validating a list of file changes.
type Result struct {
	OK     bool     `json:"ok"`
	Errors []string `json:"errors,omitempty"`
}

// Checker is one validation stage. Checks run in registration order and all
// errors are collected, so the strategy loop sees the full picture in one
// pass. Each error string identifies the offending file.
type Checker interface {
	Name() string
	Check(ctx context.Context, changes []types.FileChange) []string
}

// Validator runs a pipeline of checkers over proposed changes.
type Validator struct {
	log      *zap.Logger
	checkers []Checker
}

// New creates a Validator. With no explicit checkers it installs the
// default pipeline: path, content, syntax.
func New(log *zap.Logger, checkers ...Checker) *Validator {
	if log == nil {
		log = zap.NewNop()
	}
	if len(checkers) == 0 {
		checkers = []Checker{
			NewPathChecker(),
			NewContentChecker(DefaultMaxFileBytes),
			NewSyntaxChecker(),
		}
	}
	return &Validator{log: log.Named("validator"), checkers: checkers}
}

// Validate runs every checker over the changes. It is deadline-aware: a
// cancelled context aborts remaining checkers and reports the cancellation
// as a validation error.
func (v *Validator) Validate(ctx context.Context, changes []types.FileChange) Result {
	var errs []string
	for _, c := range v.checkers {
		if err := ctx.Err(); err != nil {
			errs = append(errs, fmt.Sprintf("validation aborted: %v", err))
			break
		}
		found := c.Check(ctx, changes)
		if len(found) > 0 {
			v.log.Debug("checker reported errors",
				zap.String("checker", c.Name()),
				zap.Int("count", len(found)))
		}
		errs = append(errs, found...)
	}
	return Result{OK: len(errs) == 0, Errors: errs}
}
