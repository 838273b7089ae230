package llm

import (
	"sync"

	"codeforge/internal/config"
)

// Price is the cost of one model in USD per 1K tokens.
type Price struct {
	PromptUSDPer1K     float64
	CompletionUSDPer1K float64
}

// PriceTable is the per-model price table. Safe for concurrent use; Replace
// swaps the whole table atomically on config reload.
type PriceTable struct {
	mu   sync.RWMutex
	rows map[string]Price
}

// NewPriceTable builds a table from configured price rows.
func NewPriceTable(rows []config.ModelPrice) *PriceTable {
	t := &PriceTable{}
	t.Replace(rows)
	return t
}

// Replace swaps in a new set of price rows.
func (t *PriceTable) Replace(rows []config.ModelPrice) {
	next := make(map[string]Price, len(rows))
	for _, r := range rows {
		next[r.Model] = Price{
			PromptUSDPer1K:     r.PromptUSDPer1K,
			CompletionUSDPer1K: r.CompletionUSDPer1K,
		}
	}
	t.mu.Lock()
	t.rows = next
	t.mu.Unlock()
}

// Lookup returns the price row for a model.
func (t *PriceTable) Lookup(model string) (Price, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.rows[model]
	return p, ok
}

// Cost prices a call. Unpriced models cost zero; ok reports whether the
// model was found so callers can log the gap.
func (t *PriceTable) Cost(model string, tokensPrompt, tokensCompletion int) (cost float64, ok bool) {
	p, ok := t.Lookup(model)
	if !ok {
		return 0, false
	}
	cost = float64(tokensPrompt)/1000*p.PromptUSDPer1K +
		float64(tokensCompletion)/1000*p.CompletionUSDPer1K
	return cost, true
}

// Len returns the number of priced models.
func (t *PriceTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}
