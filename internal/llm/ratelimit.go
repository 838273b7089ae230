package llm

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter enforces a token bucket per model id. Buckets are created lazily
// with the configured rate and burst.
type Limiter struct {
	mu      sync.Mutex
	rps     rate.Limit
	burst   int
	buckets map[string]*rate.Limiter
}

// NewLimiter creates a Limiter allowing rps requests per second with the
// given burst per model.
func NewLimiter(rps float64, burst int) *Limiter {
	if rps <= 0 {
		rps = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		buckets: make(map[string]*rate.Limiter),
	}
}

// Wait blocks until the model's bucket grants a token or the context ends.
func (l *Limiter) Wait(ctx context.Context, model string) error {
	return l.bucket(model).Wait(ctx)
}

// Allow reports whether a token is available right now without blocking.
func (l *Limiter) Allow(model string) bool {
	return l.bucket(model).Allow()
}

func (l *Limiter) bucket(model string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[model]
	if !ok {
		b = rate.NewLimiter(l.rps, l.burst)
		l.buckets[model] = b
	}
	return b
}
