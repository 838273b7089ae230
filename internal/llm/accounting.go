package llm

import (
	"sync"
	"time"
)

// TokenCounts holds prompt/completion sums and accumulated cost.
type TokenCounts struct {
	Prompt     int64   `json:"prompt"`
	Completion int64   `json:"completion"`
	Total      int64   `json:"total"`
	CostUSD    float64 `json:"cost-usd"`
}

func (tc *TokenCounts) add(prompt, completion int, cost float64) {
	tc.Prompt += int64(prompt)
	tc.Completion += int64(completion)
	tc.Total += int64(prompt + completion)
	tc.CostUSD += cost
}

// UsageSnapshot is a point-in-time copy of accumulated usage.
type UsageSnapshot struct {
	Since      time.Time              `json:"since"`
	Requests   int64                  `json:"requests"`
	Failures   int64                  `json:"failures"`
	Total      TokenCounts            `json:"total"`
	ByModel    map[string]TokenCounts `json:"by-model"`
	ByProvider map[string]TokenCounts `json:"by-provider"`
}

// Accountant accumulates in-process token and cost totals per model and
// provider. The admin surface serves its snapshot.
type Accountant struct {
	mu         sync.Mutex
	since      time.Time
	requests   int64
	failures   int64
	total      TokenCounts
	byModel    map[string]TokenCounts
	byProvider map[string]TokenCounts
}

// NewAccountant creates an empty Accountant.
func NewAccountant() *Accountant {
	return &Accountant{
		since:      time.Now().UTC(),
		byModel:    make(map[string]TokenCounts),
		byProvider: make(map[string]TokenCounts),
	}
}

// Record accumulates one successful call.
func (a *Accountant) Record(provider, model string, tokensPrompt, tokensCompletion int, costUSD float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.requests++
	a.total.add(tokensPrompt, tokensCompletion, costUSD)

	m := a.byModel[model]
	m.add(tokensPrompt, tokensCompletion, costUSD)
	a.byModel[model] = m

	p := a.byProvider[provider]
	p.add(tokensPrompt, tokensCompletion, costUSD)
	a.byProvider[provider] = p
}

// RecordFailure counts a failed call.
func (a *Accountant) RecordFailure() {
	a.mu.Lock()
	a.requests++
	a.failures++
	a.mu.Unlock()
}

// Snapshot returns a copy of the accumulated usage.
func (a *Accountant) Snapshot() UsageSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := UsageSnapshot{
		Since:      a.since,
		Requests:   a.requests,
		Failures:   a.failures,
		Total:      a.total,
		ByModel:    make(map[string]TokenCounts, len(a.byModel)),
		ByProvider: make(map[string]TokenCounts, len(a.byProvider)),
	}
	for k, v := range a.byModel {
		snap.ByModel[k] = v
	}
	for k, v := range a.byProvider {
		snap.ByProvider[k] = v
	}
	return snap
}
