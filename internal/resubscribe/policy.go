// Package resubscribe decides when a topic consumer may run an
// unsubscribe-then-subscribe cycle to recover from an inconsistent stream.
package resubscribe

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Decision is the outcome of a resubscribe request.
type Decision int

const (
	Allowed Decision = iota
	RateLimited
	Exhausted
)

func (d Decision) String() string {
	switch d {
	case Allowed:
		return "allowed"
	case RateLimited:
		return "rate_limited"
	case Exhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

const (
	DefaultMinInterval = 5 * time.Second
	DefaultMaxAttempts = 3
)

// Policy allows at most one attempt per minimum interval and at most
// maxAttempts attempts until Reset.
type Policy struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	maxAttempts int
	attempts    int
	lastAttempt time.Time
	now         func() time.Time
}

// Option configures a Policy
type Option func(*Policy)

// WithClock replaces the wall clock, for tests
func WithClock(now func() time.Time) Option {
	return func(p *Policy) {
		p.now = now
	}
}

// New creates a policy. Non-positive arguments fall back to the defaults.
func New(minInterval time.Duration, maxAttempts int, opts ...Option) *Policy {
	if minInterval <= 0 {
		minInterval = DefaultMinInterval
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	p := &Policy{
		limiter:     rate.NewLimiter(rate.Every(minInterval), 1),
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Allow reports whether a resubscribe cycle may run now. An Allowed decision
// counts as an attempt.
func (p *Policy) Allow() Decision {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.attempts >= p.maxAttempts {
		return Exhausted
	}

	now := p.now()
	if !p.limiter.AllowN(now, 1) {
		return RateLimited
	}

	p.attempts++
	p.lastAttempt = now
	return Allowed
}

// Reset clears the attempt counter. The rate window is kept.
func (p *Policy) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts = 0
}

// Attempts returns the number of attempts since the last Reset
func (p *Policy) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

// LastAttempt returns the time of the last allowed attempt
func (p *Policy) LastAttempt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastAttempt
}
