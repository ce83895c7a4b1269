package executor

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// TargetLimiter applies a token-bucket rate limit per target ahead of each
// attempt, so retries and fresh items share one budget per remote host.
type TargetLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewTargetLimiter creates a limiter granting rps tokens per second per
// target. Zero or negative rps means unlimited.
func NewTargetLimiter(rps float64, burst int) *TargetLimiter {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &TargetLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      limit,
		burst:    burst,
	}
}

// Wait blocks until the target has a token available or ctx ends.
func (l *TargetLimiter) Wait(ctx context.Context, target string) error {
	key := normalizeTarget(target)
	l.mu.Lock()
	limiter, ok := l.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(l.rps, l.burst)
		l.limiters[key] = limiter
	}
	l.mu.Unlock()

	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %q: %w", target, err)
	}
	return nil
}
