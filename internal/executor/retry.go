package executor

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"net"
	"time"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 250 * time.Millisecond
	defaultMaxDelay    = 5 * time.Second
)

// terminalError marks an operation error as not worth retrying.
type terminalError struct {
	err error
}

func (e *terminalError) Error() string { return e.err.Error() }

func (e *terminalError) Unwrap() error { return e.err }

// Terminal wraps err so the executor fails the item immediately instead of
// consuming retry budget. Use it for malformed input and validation failures,
// where a second attempt can only reproduce the first.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// IsTerminal reports whether err, or anything it wraps, was marked Terminal.
func IsTerminal(err error) bool {
	var te *terminalError
	return errors.As(err, &te)
}

// Classifier reports whether an operation error is retryable. Classifiers
// never see nil errors.
type Classifier func(err error) bool

// DefaultClassify is the classifier used when none is configured: terminal
// marks and context endings never retry, net errors retry only on timeout,
// everything else is assumed transient.
func DefaultClassify(err error) bool {
	if err == nil {
		return false
	}
	if IsTerminal(err) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return true
}

// RetryPolicy bounds the attempts spent on one operation and shapes the
// waits between them. The zero value is usable; fields fall back to the
// package defaults.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, first call included.
	MaxAttempts int
	// BaseDelay seeds the exponential backoff.
	BaseDelay time.Duration
	// MaxDelay caps the backoff regardless of attempt count.
	MaxDelay time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultMaxDelay
	}
	return p
}

// ShouldRetry decides whether a zero-based attempt that failed with err
// deserves another try under this policy and the default classification.
func (p RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	p = p.withDefaults()
	if attempt+1 >= p.MaxAttempts {
		return false
	}
	return DefaultClassify(err)
}

// Backoff returns the jittered wait before retrying the given zero-based
// attempt: half of the capped exponential delay is fixed, the other half is
// random, so concurrent retries against one target spread out.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	p = p.withDefaults()
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	jitter := randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
