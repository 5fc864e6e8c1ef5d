package resubscribe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func TestAllowRateLimitsWithinInterval(t *testing.T) {
	clock := newClock()
	p := New(5*time.Second, 3, WithClock(clock.now))

	assert.Equal(t, Allowed, p.Allow())
	clock.advance(time.Second)
	assert.Equal(t, RateLimited, p.Allow())
	clock.advance(3 * time.Second)
	assert.Equal(t, RateLimited, p.Allow())
	assert.Equal(t, 1, p.Attempts())

	clock.advance(time.Second)
	assert.Equal(t, Allowed, p.Allow())
	assert.Equal(t, 2, p.Attempts())
	assert.Equal(t, clock.t, p.LastAttempt())
}

func TestAllowExhaustsAfterMaxAttempts(t *testing.T) {
	clock := newClock()
	p := New(5*time.Second, 3, WithClock(clock.now))

	for i := 0; i < 3; i++ {
		assert.Equal(t, Allowed, p.Allow(), "attempt %d", i+1)
		clock.advance(6 * time.Second)
	}

	last := p.LastAttempt()
	assert.Equal(t, Exhausted, p.Allow())
	clock.advance(time.Hour)
	assert.Equal(t, Exhausted, p.Allow())
	assert.Equal(t, last, p.LastAttempt(), "exhausted requests are not recorded")
}

func TestResetRestoresAttemptsButKeepsWindow(t *testing.T) {
	clock := newClock()
	p := New(5*time.Second, 1, WithClock(clock.now))

	assert.Equal(t, Allowed, p.Allow())
	assert.Equal(t, Exhausted, p.Allow())

	p.Reset()
	assert.Equal(t, 0, p.Attempts())
	assert.Equal(t, RateLimited, p.Allow())

	clock.advance(5 * time.Second)
	assert.Equal(t, Allowed, p.Allow())
}

func TestNewDefaults(t *testing.T) {
	clock := newClock()
	p := New(0, 0, WithClock(clock.now))

	for i := 0; i < DefaultMaxAttempts; i++ {
		assert.Equal(t, Allowed, p.Allow())
		clock.advance(DefaultMinInterval)
	}
	assert.Equal(t, Exhausted, p.Allow())
}

func TestDecisionString(t *testing.T) {
	assert.Equal(t, "allowed", Allowed.String())
	assert.Equal(t, "rate_limited", RateLimited.String())
	assert.Equal(t, "exhausted", Exhausted.String())
	assert.Equal(t, "unknown", Decision(42).String())
}
