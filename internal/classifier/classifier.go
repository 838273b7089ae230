package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"codeforge/internal/config"
	"codeforge/internal/metrics"
	"codeforge/internal/types"
)

// Classifier decides a task's complexity band. The remote ML service is
// best-effort: circuit-open, timeout, and exhausted retries all land on the
// keyword heuristic, so Classify never returns an error.
type Classifier struct {
	url        string
	retries    int
	timeout    time.Duration
	retryDelay time.Duration

	httpClient *http.Client
	log        *zap.Logger
	now        func() time.Time

	mu          sync.Mutex
	failures    int
	openUntil   time.Time
	cbThreshold int
	cbReset     time.Duration
}

// New builds a Classifier from config. An empty classifier URL disables the
// remote path entirely; every call then takes the heuristic.
func New(cfg *config.Config, log *zap.Logger) *Classifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Classifier{
		url:         strings.TrimRight(cfg.Classifier.URL, "/"),
		retries:     cfg.Classifier.Retries,
		timeout:     cfg.GetClassifierTimeout(),
		retryDelay:  cfg.GetClassifierRetryDelay(),
		cbThreshold: cfg.Classifier.CBThreshold,
		cbReset:     cfg.GetClassifierCBReset(),
		httpClient:  &http.Client{},
		log:         log.Named("classifier"),
		now:         time.Now,
	}
}

type classifyRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	TypeHint    string `json:"type_hint,omitempty"`
}

type classifyResponse struct {
	TaskType   string  `json:"task_type"`
	Complexity string  `json:"complexity"`
	Confidence float64 `json:"confidence"`
}

// Classify returns the task's classification. Source is "ml" when the remote
// service answered, "heuristic" otherwise.
func (c *Classifier) Classify(ctx context.Context, task *types.Task) types.Classification {
	if c.url != "" && !c.circuitOpen() {
		if cls, ok := c.classifyRemote(ctx, task); ok {
			c.recordSuccess()
			metrics.ClassifierRequests.WithLabelValues(string(cls.Source)).Inc()
			return cls
		}
		c.recordFailure()
	}

	cls := c.heuristic(task)
	metrics.ClassifierRequests.WithLabelValues(string(cls.Source)).Inc()
	return cls
}

// classifyRemote runs the retry loop against the remote service. Each attempt
// gets its own hard timeout so a hung classifier cannot eat the task deadline.
func (c *Classifier) classifyRemote(ctx context.Context, task *types.Task) (types.Classification, bool) {
	attempts := c.retries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return types.Classification{}, false
			case <-time.After(c.retryDelay):
			}
		}

		cls, err := c.attempt(ctx, task)
		if err == nil {
			return cls, true
		}
		c.log.Debug("classify attempt failed",
			zap.String("task_id", task.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return types.Classification{}, false
}

func (c *Classifier) attempt(ctx context.Context, task *types.Task) (types.Classification, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(classifyRequest{
		Title:       task.Title,
		Description: task.Description,
		TypeHint:    string(task.TypeHint),
	})
	if err != nil {
		return types.Classification{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost,
		c.url+"/classify", bytes.NewReader(body))
	if err != nil {
		return types.Classification{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return types.Classification{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return types.Classification{}, fmt.Errorf("classifier returned status %d", resp.StatusCode)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return types.Classification{}, fmt.Errorf("read response: %w", err)
	}

	var parsed classifyResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return types.Classification{}, fmt.Errorf("parse response: %w", err)
	}

	complexity := types.Complexity(parsed.Complexity)
	if !types.KnownComplexity(complexity) {
		return types.Classification{}, fmt.Errorf("unknown complexity %q", parsed.Complexity)
	}

	taskType := types.TaskType(parsed.TaskType)
	if !types.KnownTaskType(taskType) {
		taskType = defaultTaskType(task)
	}

	confidence := parsed.Confidence
	if confidence < 0 {
		confidence = 0
	} else if confidence > 1 {
		confidence = 1
	}

	return types.Classification{
		TaskType:   taskType,
		Complexity: complexity,
		Confidence: confidence,
		Source:     types.SourceML,
	}, nil
}

// Keyword tables for the fallback rules, evaluated in order.
var (
	simpleKeywords  = []string{"fix", "typo", "small", "minor", "quick", "simple"}
	complexKeywords = []string{"architecture", "refactor", "rewrite", "migration", "complex"}
)

// heuristic applies the keyword/word-count rules. It never yields Epic.
func (c *Classifier) heuristic(task *types.Task) types.Classification {
	desc := strings.ToLower(task.Description)
	words := len(strings.Fields(task.Description))

	complexity := types.ComplexityMedium
	switch {
	case containsAny(desc, simpleKeywords) || words < 20:
		complexity = types.ComplexitySimple
	case containsAny(desc, complexKeywords) || words > 100:
		complexity = types.ComplexityComplex
	}

	return types.Classification{
		TaskType:   defaultTaskType(task),
		Complexity: complexity,
		Confidence: 0.5,
		Source:     types.SourceHeuristic,
	}
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

func defaultTaskType(task *types.Task) types.TaskType {
	if types.KnownTaskType(task.TypeHint) {
		return task.TypeHint
	}
	return types.TaskTypeOther
}

// circuitOpen reports breaker state, closing it once the reset window passed.
func (c *Classifier) circuitOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.openUntil.IsZero() {
		return false
	}
	if c.now().Before(c.openUntil) {
		return true
	}
	c.failures = 0
	c.openUntil = time.Time{}
	metrics.ClassifierCircuitOpen.Set(0)
	c.log.Info("classifier circuit closed")
	return false
}

func (c *Classifier) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = 0
	c.openUntil = time.Time{}
	metrics.ClassifierCircuitOpen.Set(0)
}

func (c *Classifier) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	if c.failures >= c.cbThreshold && c.openUntil.IsZero() {
		c.openUntil = c.now().Add(c.cbReset)
		metrics.ClassifierCircuitOpen.Set(1)
		c.log.Warn("classifier circuit opened",
			zap.Int("consecutive_failures", c.failures),
			zap.Duration("reset_after", c.cbReset))
	}
}
