// Package adaptive adjusts a per-stage concurrency budget with an AIMD
// (additive-increase, multiplicative-decrease) policy driven by observed
// success rates. The budget is advisory: the controller never blocks a
// caller, it only answers "how many workers should be in flight right now".
package adaptive

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/crawlpipe/crawlpipe/internal/pipeline"
)

const (
	defaultInitial           = 4
	defaultMin               = 1
	defaultMax               = 64
	defaultIncreaseInterval  = 5 * time.Second
	defaultIncreaseStep      = 2
	defaultTargetSuccessRate = 0.95
	defaultDecreaseFactor    = 0.5
	defaultMinSamples        = 5
)

// Config holds the AIMD tuning knobs. Zero values fall back to defaults, so
// Config{} is a usable starting point.
type Config struct {
	// Initial is the concurrency budget before any results arrive.
	Initial int
	// Min and Max clamp the budget. Min is never undercut even under a
	// sustained failure storm.
	Min int
	Max int
	// IncreaseInterval is the minimum time between additive increases.
	IncreaseInterval time.Duration
	// IncreaseStep is added to the budget on each increase.
	IncreaseStep int
	// TargetSuccessRate is the window success rate that separates growth
	// from backoff.
	TargetSuccessRate float64
	// DecreaseFactor multiplies the budget on a decrease; must be in (0,1).
	DecreaseFactor float64
	// MinSamples is how many results the window needs before the rate is
	// trusted at all.
	MinSamples int
}

// Snapshot is a point-in-time copy of the controller state for events and
// the inspection API.
type Snapshot struct {
	CurrentLimit   int       `json:"current_limit"`
	SuccessCount   int64     `json:"success_count"`
	FailureCount   int64     `json:"failure_count"`
	SuccessRate    float64   `json:"success_rate"`
	LastAdjustment time.Time `json:"last_adjustment"`
}

// Controller implements the AIMD loop. CurrentLimit is safe to read from any
// goroutine without taking the window lock.
type Controller struct {
	cfg    Config
	clock  pipeline.Clock
	logger *zap.Logger

	limit atomic.Int64

	mu         sync.Mutex
	successes  int64
	failures   int64
	lastAdjust time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// NewController applies defaults, clamps Initial into [Min, Max], and starts
// the increase timer so the first growth step waits a full interval.
func NewController(cfg Config, clock pipeline.Clock, logger *zap.Logger) *Controller {
	if cfg.Min <= 0 {
		cfg.Min = defaultMin
	}
	if cfg.Max <= 0 {
		cfg.Max = defaultMax
	}
	if cfg.Max < cfg.Min {
		cfg.Max = cfg.Min
	}
	if cfg.Initial <= 0 {
		cfg.Initial = defaultInitial
	}
	if cfg.Initial < cfg.Min {
		cfg.Initial = cfg.Min
	}
	if cfg.Initial > cfg.Max {
		cfg.Initial = cfg.Max
	}
	if cfg.IncreaseInterval <= 0 {
		cfg.IncreaseInterval = defaultIncreaseInterval
	}
	if cfg.IncreaseStep <= 0 {
		cfg.IncreaseStep = defaultIncreaseStep
	}
	if cfg.TargetSuccessRate <= 0 || cfg.TargetSuccessRate > 1 {
		cfg.TargetSuccessRate = defaultTargetSuccessRate
	}
	if cfg.DecreaseFactor <= 0 || cfg.DecreaseFactor >= 1 {
		cfg.DecreaseFactor = defaultDecreaseFactor
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = defaultMinSamples
	}
	if clock == nil {
		clock = wallClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{
		cfg:        cfg,
		clock:      clock,
		logger:     logger,
		lastAdjust: clock.Now(),
	}
	c.limit.Store(int64(cfg.Initial))
	return c
}

// CurrentLimit returns the advisory concurrency budget.
func (c *Controller) CurrentLimit() int {
	return int(c.limit.Load())
}

// RecordResult folds one item outcome into the rolling window and adjusts
// the budget when the window says so. Decreases apply immediately; increases
// wait for IncreaseInterval since the last adjustment.
func (c *Controller) RecordResult(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if success {
		c.successes++
	} else {
		c.failures++
	}
	total := c.successes + c.failures
	if total < int64(c.cfg.MinSamples) {
		return
	}
	rate := float64(c.successes) / float64(total)
	now := c.clock.Now()

	if rate < c.cfg.TargetSuccessRate {
		c.adjustLocked(now, rate, c.decreasedLimit())
		return
	}
	if now.Sub(c.lastAdjust) >= c.cfg.IncreaseInterval {
		c.adjustLocked(now, rate, c.increasedLimit())
	}
}

func (c *Controller) decreasedLimit() int {
	next := int(float64(c.CurrentLimit()) * c.cfg.DecreaseFactor)
	if next < c.cfg.Min {
		next = c.cfg.Min
	}
	return next
}

func (c *Controller) increasedLimit() int {
	next := c.CurrentLimit() + c.cfg.IncreaseStep
	if next > c.cfg.Max {
		next = c.cfg.Max
	}
	return next
}

// adjustLocked commits a new budget, resets the window, and restarts the
// increase timer. It also runs when the budget is already pinned at a bound,
// so the window does not grow without end.
func (c *Controller) adjustLocked(now time.Time, rate float64, next int) {
	old := c.CurrentLimit()
	if next != old {
		c.limit.Store(int64(next))
		c.logger.Info("concurrency limit adjusted",
			zap.Int("from", old),
			zap.Int("to", next),
			zap.Float64("success_rate", rate),
		)
	}
	c.successes = 0
	c.failures = 0
	c.lastAdjust = now
}

// State returns a snapshot of the current window counts and limit.
func (c *Controller) State() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.successes + c.failures
	var rate float64
	if total > 0 {
		rate = float64(c.successes) / float64(total)
	}
	return Snapshot{
		CurrentLimit:   c.CurrentLimit(),
		SuccessCount:   c.successes,
		FailureCount:   c.failures,
		SuccessRate:    rate,
		LastAdjustment: c.lastAdjust,
	}
}
