// Package executor wraps a single unreliable operation with bounded retries,
// jittered exponential backoff, a per-target circuit breaker, and an optional
// per-target rate limit. It decides how hard to keep trying; whether the
// whole stage keeps going is its caller's business.
package executor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/crawlpipe/crawlpipe/internal/pipeline"
)

// Config assembles the executor from its parts. The zero value yields a
// working executor with package defaults and no rate limiting.
type Config struct {
	Retry   RetryPolicy
	Breaker BreakerConfig
	// TargetRPS enables the per-target rate limiter when > 0.
	TargetRPS   float64
	TargetBurst int
	// Classify overrides DefaultClassify for retry decisions.
	Classify Classifier
	// OnBreakerOpen is invoked once per open transition, outside any lock,
	// so stages can report target-level failure distinctly from per-item
	// failures.
	OnBreakerOpen func(target string)
}

// Executor runs operations against remote targets under the configured
// resilience policy. It is safe for concurrent use.
type Executor struct {
	policy   RetryPolicy
	classify Classifier
	breaker  *Breaker
	limiter  *TargetLimiter
	onOpen   func(string)
	logger   *zap.Logger
}

// New builds an Executor. clock drives the breaker cooldown and may be nil
// for wall time; logger may be nil.
func New(cfg Config, clock pipeline.Clock, logger *zap.Logger) *Executor {
	if cfg.Classify == nil {
		cfg.Classify = DefaultClassify
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter *TargetLimiter
	if cfg.TargetRPS > 0 {
		limiter = NewTargetLimiter(cfg.TargetRPS, cfg.TargetBurst)
	}
	return &Executor{
		policy:   cfg.Retry.withDefaults(),
		classify: cfg.Classify,
		breaker:  NewBreaker(cfg.Breaker, clock),
		limiter:  limiter,
		onOpen:   cfg.OnBreakerOpen,
		logger:   logger,
	}
}

// Execute runs op against target until it succeeds, exhausts the retry
// budget, fails terminally, or the target's circuit opens. Every attempt
// outcome feeds the breaker; opens are reported through OnBreakerOpen once.
// The returned error wraps ErrCircuitOpen when the call was short-circuited.
func (e *Executor) Execute(ctx context.Context, target string, op func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < e.policy.MaxAttempts; attempt++ {
		if err := e.breaker.Allow(target); err != nil {
			if lastErr != nil {
				return fmt.Errorf("target %q: %w (last error: %v)", target, err, lastErr)
			}
			return fmt.Errorf("target %q: %w", target, err)
		}
		if attempt > 0 {
			if err := pause(ctx, e.policy.Backoff(attempt-1)); err != nil {
				return fmt.Errorf("retry backoff: %w", err)
			}
		}
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx, target); err != nil {
				return err
			}
		}

		err := op(ctx)
		if err == nil {
			e.breaker.MarkSuccess(target)
			return nil
		}
		lastErr = err
		if opened := e.breaker.MarkFailure(target); opened {
			e.logger.Warn("circuit opened for failing target",
				zap.String("target", target),
				zap.Error(err),
			)
			if e.onOpen != nil {
				e.onOpen(target)
			}
		}
		if !e.classify(err) {
			break
		}
	}
	return lastErr
}

// pause sleeps for delay unless ctx ends first, in which case the context
// error is returned.
func pause(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
