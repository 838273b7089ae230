package strategy

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"codeforge/internal/llm"
	"codeforge/internal/parser"
	"codeforge/internal/types"
)

const plannerSystemPrompt = `You are a planning agent. Decompose the requested task into small, independent subtasks.
Respond with JSON only, in exactly this shape:
{"subtasks":[{"title":"...","description":"...","files":["relative/path"]}]}
Keep the list short; each subtask should cover one concern. List under "files" the context files the subtask needs, or leave it empty for all of them.`

const reviewerSystemPrompt = `You are a code reviewer. Assess whether the proposed file changes implement the task correctly and completely.
Respond with JSON only, in exactly this shape:
{"approved":true,"issues":[]}
When you do not approve, list concrete issues to fix.`

type subtask struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Files       []string `json:"files"`
}

type plan struct {
	Subtasks []subtask `json:"subtasks"`
}

type verdict struct {
	Approved bool     `json:"approved"`
	Issues   []string `json:"issues"`
}

// MultiAgent runs three roles in order: a planner decomposes the task, an
// executor handles each subtask as a mini SingleShot, a reviewer judges the
// merged result. Reviewer issues trigger exactly one repair cycle through the
// executor; final validation decides the outcome either way.
type MultiAgent struct {
	maxSubtasks int
	wallClock   time.Duration
	log         *zap.Logger
}

// NewMultiAgent creates the strategy for Complex and Epic tasks.
func NewMultiAgent(maxSubtasks int, wallClock time.Duration, log *zap.Logger) *MultiAgent {
	if log == nil {
		log = zap.NewNop()
	}
	if maxSubtasks < 1 {
		maxSubtasks = 1
	}
	return &MultiAgent{
		maxSubtasks: maxSubtasks,
		wallClock:   wallClock,
		log:         log.Named("multiagent"),
	}
}

// Name returns the strategy name.
func (s *MultiAgent) Name() string { return NameMultiAgent }

// Execute runs plan, execute, review, and at most one repair cycle under the
// strategy wall clock. The LLM call ceiling is plan + subtasks + review plus
// one repaired executor pass, enforced by counter.
func (s *MultiAgent) Execute(ctx context.Context, ec *ExecutionContext) *Result {
	runCtx, cancel := context.WithTimeout(ctx, s.wallClock)
	defer cancel()

	r := newRun(ec, s.log)

	subtasks, fatal := s.plan(runCtx, r)
	if fatal != nil {
		return r.fail(interruptReason(ctx, ReasonLLMCallFailed), []string{fatal.Error()})
	}
	budget := 2*len(subtasks) + 2

	merged := newMergeState(s.log)
	execErrors, fatal := s.executePass(runCtx, r, subtasks, nil, merged, budget)
	if fatal != nil {
		return r.fail(interruptReason(ctx, ReasonLLMCallFailed), []string{fatal.Error()})
	}
	if runCtx.Err() != nil {
		return r.fail(interruptReason(ctx, ReasonWallClockExceeded), execErrors)
	}
	if len(merged.changes()) == 0 {
		return r.fail(ReasonNoParseableChanges, execErrors)
	}

	rev := s.review(runCtx, r, merged.changes(), budget)
	if !rev.Approved && len(rev.Issues) > 0 {
		s.log.Info("reviewer requested repairs",
			zap.String("task_id", ec.Task.ID),
			zap.Int("issues", len(rev.Issues)))
		repairErrors, fatal := s.executePass(runCtx, r, subtasks, rev.Issues, merged, budget)
		if fatal != nil {
			return r.fail(interruptReason(ctx, ReasonLLMCallFailed), []string{fatal.Error()})
		}
		if runCtx.Err() != nil {
			return r.fail(interruptReason(ctx, ReasonWallClockExceeded), repairErrors)
		}
		execErrors = repairErrors
	}

	final := merged.changes()
	vr := ec.Validator.Validate(runCtx, final)
	if !vr.OK {
		return r.fail(ReasonValidationFailed, vr.Errors)
	}
	return r.succeed(final)
}

// plan runs the planner call. Anything short of a non-retryable provider
// failure degrades to a single whole-task subtask.
func (s *MultiAgent) plan(ctx context.Context, r *run) ([]subtask, error) {
	whole := []subtask{{Title: r.ec.Task.Title, Description: r.ec.Task.Description}}

	user := BuildUserPrompt(r.ec.Task, r.ec.ContextFiles, nil)
	resp, _, err := r.call(ctx, plannerSystemPrompt, user)
	if err != nil {
		if !llm.IsRetryable(err) {
			return nil, err
		}
		s.log.Warn("planner call failed, executing whole task as one subtask",
			zap.String("task_id", r.ec.Task.ID), zap.Error(err))
		return whole, nil
	}

	var p plan
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &p); err != nil || len(p.Subtasks) == 0 {
		s.log.Warn("unparseable plan, executing whole task as one subtask",
			zap.String("task_id", r.ec.Task.ID))
		return whole, nil
	}
	if len(p.Subtasks) > s.maxSubtasks {
		s.log.Info("plan truncated",
			zap.Int("planned", len(p.Subtasks)),
			zap.Int("cap", s.maxSubtasks))
		p.Subtasks = p.Subtasks[:s.maxSubtasks]
	}
	return p.Subtasks, nil
}

// executePass runs one mini SingleShot per subtask and merges the results.
// feedback carries reviewer issues into every subtask prompt on the repair
// pass. Collected error strings come back for diagnostics; only budget
// exhaustion, cancellation, or a non-retryable provider failure aborts.
func (s *MultiAgent) executePass(ctx context.Context, r *run, subtasks []subtask, feedback []string, merged *mergeState, budget int) ([]string, error) {
	var errs []string
	for _, st := range subtasks {
		if ctx.Err() != nil {
			errs = append(errs, "execution interrupted: "+ctx.Err().Error())
			return errs, nil
		}
		if r.result.Iterations >= budget {
			errs = append(errs, "llm call budget exhausted")
			return errs, nil
		}

		sub := &types.Task{
			Title:       st.Title,
			Description: st.Description,
			TaskType:    effectiveType(r.ec.Task),
		}
		user := BuildUserPrompt(sub, filesFor(st, r.ec.ContextFiles), feedback)
		resp, rec, err := r.call(ctx, changeSystemPrompt, user)
		if err != nil {
			if !llm.IsRetryable(err) {
				return errs, err
			}
			errs = append(errs, "subtask "+st.Title+": "+err.Error())
			continue
		}

		changes := types.DedupeByPath(r.ec.Parser.Parse(resp.Content))
		if len(changes) == 0 {
			errs = append(errs, "subtask "+st.Title+": no parseable changes")
			continue
		}

		vr := r.ec.Validator.Validate(ctx, changes)
		rec.ValidationErrors = len(vr.Errors)
		if !vr.OK {
			// Kept for the merge anyway: the repair cycle or final
			// validation settles whether the execution can succeed.
			errs = append(errs, vr.Errors...)
		}
		merged.add(changes, st.Title)
	}
	return errs, nil
}

// review runs the reviewer call. The reviewer is advisory: call failures and
// unparseable output approve by default, leaving the verdict to validation.
func (s *MultiAgent) review(ctx context.Context, r *run, changes []types.FileChange, budget int) verdict {
	approved := verdict{Approved: true}
	if ctx.Err() != nil || r.result.Iterations >= budget {
		return approved
	}

	var sb strings.Builder
	sb.WriteString("Task: ")
	sb.WriteString(r.ec.Task.Title)
	sb.WriteString("\nDescription: ")
	sb.WriteString(r.ec.Task.Description)
	sb.WriteString("\n\nProposed changes:\n\n")
	sb.WriteString(parser.Render(changes))

	resp, _, err := r.call(ctx, reviewerSystemPrompt, sb.String())
	if err != nil {
		s.log.Warn("reviewer call failed, approving by default",
			zap.String("task_id", r.ec.Task.ID), zap.Error(err))
		return approved
	}

	var rev verdict
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &rev); err != nil {
		s.log.Warn("unparseable review, approving by default",
			zap.String("task_id", r.ec.Task.ID))
		return approved
	}
	return rev
}

// filesFor selects the context files a subtask asked for; an empty or
// unmatched selection falls back to all of them.
func filesFor(st subtask, files []types.ContextFile) []types.ContextFile {
	if len(st.Files) == 0 {
		return files
	}
	want := make(map[string]struct{}, len(st.Files))
	for _, p := range st.Files {
		want[p] = struct{}{}
	}
	var out []types.ContextFile
	for _, f := range files {
		if _, ok := want[f.Path]; ok {
			out = append(out, f)
		}
	}
	if len(out) == 0 {
		return files
	}
	return out
}

// mergeState accumulates subtask changes by path, last write wins.
type mergeState struct {
	order  []string
	byPath map[string]types.FileChange
	owner  map[string]string
	log    *zap.Logger
}

func newMergeState(log *zap.Logger) *mergeState {
	return &mergeState{
		byPath: make(map[string]types.FileChange),
		owner:  make(map[string]string),
		log:    log,
	}
}

func (m *mergeState) add(changes []types.FileChange, subtaskTitle string) {
	for _, ch := range changes {
		if prev, ok := m.owner[ch.Path]; ok && prev != subtaskTitle {
			m.log.Warn("merge conflict, last write wins",
				zap.String("path", ch.Path),
				zap.String("previous", prev),
				zap.String("current", subtaskTitle))
		}
		if _, ok := m.byPath[ch.Path]; !ok {
			m.order = append(m.order, ch.Path)
		}
		m.byPath[ch.Path] = ch
		m.owner[ch.Path] = subtaskTitle
	}
}

func (m *mergeState) changes() []types.FileChange {
	out := make([]types.FileChange, 0, len(m.order))
	for _, p := range m.order {
		out = append(out, m.byPath[p])
	}
	return out
}

// extractJSON finds the first JSON object or array in mixed-format model
// output, tracking strings and escapes so braces inside literals do not
// unbalance the scan. Returns "{}" when nothing JSON-like is present.
func extractJSON(text string) string {
	start := strings.IndexAny(text, "{[")
	if start == -1 {
		return "{}"
	}

	open := text[start]
	closing := byte('}')
	if open == '[' {
		closing = ']'
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case ch == '\\':
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == open:
			depth++
		case ch == closing:
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return "{}"
}
