package executor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0).UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{FailureThreshold: 3, Cooldown: time.Minute}, newFakeClock())

	require.NoError(t, b.Allow("host-a"))
	require.False(t, b.MarkFailure("host-a"))
	require.False(t, b.MarkFailure("host-a"))
	require.True(t, b.MarkFailure("host-a"), "third consecutive failure should open")

	require.ErrorIs(t, b.Allow("host-a"), ErrCircuitOpen)
	require.True(t, b.Open("host-a"))

	// Other targets are independent.
	require.NoError(t, b.Allow("host-b"))
	require.False(t, b.Open("host-b"))
}

func TestBreakerSuccessResetsStreak(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{FailureThreshold: 3, Cooldown: time.Minute}, newFakeClock())

	require.False(t, b.MarkFailure("host"))
	require.False(t, b.MarkFailure("host"))
	b.MarkSuccess("host")
	// The streak restarted, so two more failures do not open.
	require.False(t, b.MarkFailure("host"))
	require.False(t, b.MarkFailure("host"))
	require.True(t, b.MarkFailure("host"))
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, Cooldown: 30 * time.Second}, clock)

	require.True(t, b.MarkFailure("host"))
	require.ErrorIs(t, b.Allow("host"), ErrCircuitOpen)

	// Cooldown not elapsed yet.
	clock.Advance(29 * time.Second)
	require.ErrorIs(t, b.Allow("host"), ErrCircuitOpen)

	// Cooldown elapsed: exactly one probe is admitted.
	clock.Advance(time.Second)
	require.NoError(t, b.Allow("host"))
	require.ErrorIs(t, b.Allow("host"), ErrCircuitOpen, "second caller during probe is rejected")

	// Probe succeeds: circuit closes for everyone.
	b.MarkSuccess("host")
	require.NoError(t, b.Allow("host"))
	require.False(t, b.Open("host"))
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, Cooldown: 10 * time.Second}, clock)

	require.True(t, b.MarkFailure("host"))
	clock.Advance(10 * time.Second)
	require.NoError(t, b.Allow("host"))

	// Probe fails: full cooldown starts over.
	require.True(t, b.MarkFailure("host"))
	clock.Advance(9 * time.Second)
	require.ErrorIs(t, b.Allow("host"), ErrCircuitOpen)
	clock.Advance(time.Second)
	require.NoError(t, b.Allow("host"))
}

func TestBreakerTargetsAreCaseInsensitive(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{FailureThreshold: 2, Cooldown: time.Minute}, newFakeClock())
	require.False(t, b.MarkFailure("Example.ORG"))
	require.True(t, b.MarkFailure("example.org"))
	require.True(t, b.Open("EXAMPLE.org"))
}

func TestBreakerConcurrentProbeAdmitsOne(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, Cooldown: time.Second}, clock)
	require.True(t, b.MarkFailure("host"))
	clock.Advance(time.Second)

	var admitted int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.Allow("host") == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int64(1), admitted)
}
