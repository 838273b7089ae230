package llm

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccountantRecord(t *testing.T) {
	a := NewAccountant()

	a.Record("anthropic", "claude-sonnet", 1000, 200, 0.0078)
	a.Record("anthropic", "claude-sonnet", 500, 100, 0.0039)
	a.Record("openai", "gpt-4o", 2000, 400, 0.0110)

	snap := a.Snapshot()

	assert.Equal(t, int64(3), snap.Requests)
	assert.Equal(t, int64(0), snap.Failures)
	assert.False(t, snap.Since.IsZero())

	assert.Equal(t, int64(3500), snap.Total.Prompt)
	assert.Equal(t, int64(700), snap.Total.Completion)
	assert.Equal(t, int64(4200), snap.Total.Total)
	assert.InDelta(t, 0.0227, snap.Total.CostUSD, 1e-9)

	require.Contains(t, snap.ByModel, "claude-sonnet")
	require.Contains(t, snap.ByModel, "gpt-4o")
	assert.Equal(t, TokenCounts{Prompt: 1500, Completion: 300, Total: 1800, CostUSD: 0.0117}, snap.ByModel["claude-sonnet"])
	assert.Equal(t, TokenCounts{Prompt: 2000, Completion: 400, Total: 2400, CostUSD: 0.0110}, snap.ByModel["gpt-4o"])

	require.Contains(t, snap.ByProvider, "anthropic")
	require.Contains(t, snap.ByProvider, "openai")
	assert.Equal(t, int64(1800), snap.ByProvider["anthropic"].Total)
	assert.Equal(t, int64(2400), snap.ByProvider["openai"].Total)
}

func TestAccountantRecordFailure(t *testing.T) {
	a := NewAccountant()

	a.Record("anthropic", "claude-sonnet", 100, 50, 0.001)
	a.RecordFailure()
	a.RecordFailure()

	snap := a.Snapshot()

	assert.Equal(t, int64(3), snap.Requests, "failures count as requests")
	assert.Equal(t, int64(2), snap.Failures)
	assert.Equal(t, int64(150), snap.Total.Total, "failures add no tokens")
}

func TestAccountantSnapshotIsolation(t *testing.T) {
	a := NewAccountant()
	a.Record("gemini", "gemini-flash", 300, 60, 0.0002)

	snap := a.Snapshot()
	snap.ByModel["gemini-flash"] = TokenCounts{Prompt: 999}
	snap.ByProvider["gemini"] = TokenCounts{Prompt: 999}
	snap.Total.Prompt = 999

	fresh := a.Snapshot()
	assert.Equal(t, int64(300), fresh.Total.Prompt)
	assert.Equal(t, int64(300), fresh.ByModel["gemini-flash"].Prompt)
	assert.Equal(t, int64(300), fresh.ByProvider["gemini"].Prompt)
}

func TestAccountantConcurrentRecord(t *testing.T) {
	a := NewAccountant()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				a.Record("anthropic", "claude-sonnet", 10, 5, 0.0001)
			}
		}()
	}
	wg.Wait()

	snap := a.Snapshot()
	assert.Equal(t, int64(400), snap.Requests)
	assert.Equal(t, int64(6000), snap.Total.Total)
	assert.Equal(t, int64(6000), snap.ByModel["claude-sonnet"].Total)
}
