package executor

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/crawlpipe/crawlpipe/internal/pipeline"
)

const (
	defaultFailureThreshold = 5
	defaultCooldown         = 30 * time.Second
)

// ErrCircuitOpen is returned without touching the target while its breaker
// is open. Callers distinguish it from per-item failures with errors.Is.
var ErrCircuitOpen = errors.New("circuit open")

// BreakerConfig tunes the per-target circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is how many consecutive failures open the circuit.
	FailureThreshold int
	// Cooldown is how long an open circuit rejects calls before admitting a
	// single half-open probe.
	Cooldown time.Duration
}

type breakerPhase int

const (
	phaseClosed breakerPhase = iota
	phaseOpen
	phaseHalfOpen
)

type targetState struct {
	phase       breakerPhase
	consecutive int
	openedAt    time.Time
}

// Breaker tracks consecutive failures per target (for a crawl pipeline,
// typically a remote host) and stops hammering a target that keeps failing.
// Once the threshold is crossed the circuit opens and calls short-circuit
// with ErrCircuitOpen; after the cooldown one probe is admitted, and its
// outcome decides between closing and re-opening. This keeps one dead target
// from soaking up every worker in a batch.
type Breaker struct {
	cfg   BreakerConfig
	clock pipeline.Clock

	mu      sync.Mutex
	targets map[string]*targetState
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// NewBreaker applies defaults and returns an empty breaker; targets are
// tracked lazily on first failure.
func NewBreaker(cfg BreakerConfig, clock pipeline.Clock) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}
	if clock == nil {
		clock = wallClock{}
	}
	return &Breaker{
		cfg:     cfg,
		clock:   clock,
		targets: make(map[string]*targetState),
	}
}

// Allow reports whether a call to target may proceed. While the circuit is
// open it returns ErrCircuitOpen; once the cooldown has elapsed exactly one
// caller is admitted as the half-open probe and everyone else keeps getting
// ErrCircuitOpen until the probe's outcome is recorded.
func (b *Breaker) Allow(target string) error {
	key := normalizeTarget(target)
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.targets[key]
	if !ok || st.phase == phaseClosed {
		return nil
	}
	if st.phase == phaseHalfOpen {
		return ErrCircuitOpen
	}
	if b.clock.Now().Sub(st.openedAt) < b.cfg.Cooldown {
		return ErrCircuitOpen
	}
	st.phase = phaseHalfOpen
	return nil
}

// MarkSuccess records a successful call, closing the circuit and clearing
// the failure streak.
func (b *Breaker) MarkSuccess(target string) {
	key := normalizeTarget(target)
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.targets[key]; ok {
		st.phase = phaseClosed
		st.consecutive = 0
	}
}

// MarkFailure records a failed call and reports whether this failure opened
// (or re-opened) the circuit, so callers can surface the transition once
// instead of once per rejected item.
func (b *Breaker) MarkFailure(target string) bool {
	key := normalizeTarget(target)
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.targets[key]
	if !ok {
		st = &targetState{}
		b.targets[key] = st
	}
	st.consecutive++
	switch st.phase {
	case phaseHalfOpen:
		// Probe failed; back to a full cooldown.
		st.phase = phaseOpen
		st.openedAt = b.clock.Now()
		return true
	case phaseClosed:
		if st.consecutive >= b.cfg.FailureThreshold {
			st.phase = phaseOpen
			st.openedAt = b.clock.Now()
			return true
		}
	case phaseOpen:
	}
	return false
}

// Open reports whether the target's circuit is currently open or probing.
func (b *Breaker) Open(target string) bool {
	key := normalizeTarget(target)
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.targets[key]
	return ok && st.phase != phaseClosed
}

func normalizeTarget(target string) string {
	return strings.ToLower(target)
}
