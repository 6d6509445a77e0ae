package security

import (
	"fmt"
	"sync"
	"time"

	"github.com/acolita/sshkit/internal/adapters/realclock"
	"github.com/acolita/sshkit/internal/failure"
	"github.com/acolita/sshkit/internal/ports"
	"github.com/acolita/sshkit/internal/profile"
)

// DefaultMaxAuthFailures is the default number of failures before lockout.
const DefaultMaxAuthFailures = 3

// DefaultAuthLockoutDuration is the default lockout duration.
const DefaultAuthLockoutDuration = 5 * time.Minute

// AuthRateLimiter tracks authentication failures per profile and enforces
// a lockout once too many accumulate.
type AuthRateLimiter struct {
	mu              sync.Mutex
	failures        map[string]*authFailure
	maxFailures     int
	lockoutDuration time.Duration
	clock           ports.Clock
}

type authFailure struct {
	count     int
	firstFail time.Time
	lockedAt  time.Time
}

// RateLimitOption configures an AuthRateLimiter.
type RateLimitOption func(*AuthRateLimiter)

// WithRateLimitClock sets the clock used for lockout windows.
func WithRateLimitClock(c ports.Clock) RateLimitOption {
	return func(r *AuthRateLimiter) { r.clock = c }
}

// NewAuthRateLimiter creates a limiter. Non-positive arguments take the
// defaults.
func NewAuthRateLimiter(maxFailures int, lockoutDuration time.Duration, opts ...RateLimitOption) *AuthRateLimiter {
	if maxFailures <= 0 {
		maxFailures = DefaultMaxAuthFailures
	}
	if lockoutDuration <= 0 {
		lockoutDuration = DefaultAuthLockoutDuration
	}

	r := &AuthRateLimiter{
		failures:        make(map[string]*authFailure),
		maxFailures:     maxFailures,
		lockoutDuration: lockoutDuration,
		clock:           realclock.New(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func limiterKey(p profile.Profile) string {
	return p.String()
}

// IsLocked reports whether p is locked out and for how much longer.
func (r *AuthRateLimiter) IsLocked(p profile.Profile) (bool, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.failures[limiterKey(p)]
	if !ok || f.lockedAt.IsZero() {
		return false, 0
	}

	elapsed := r.clock.Now().Sub(f.lockedAt)
	if elapsed >= r.lockoutDuration {
		return false, 0
	}
	return true, r.lockoutDuration - elapsed
}

// Check returns a TooManyAttempts failure while p is locked out.
func (r *AuthRateLimiter) Check(p profile.Profile) error {
	locked, remaining := r.IsLocked(p)
	if !locked {
		return nil
	}
	return failure.New(failure.TooManyAttempts, "authenticate",
		fmt.Errorf("locked out for another %s", remaining.Round(time.Second))).At(p.Host, p.Port)
}

// RecordFailure records an authentication failure for p.
func (r *AuthRateLimiter) RecordFailure(p profile.Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	k := limiterKey(p)
	f, ok := r.failures[k]
	if !ok {
		f = &authFailure{firstFail: now}
		r.failures[k] = f
	}

	if !f.lockedAt.IsZero() && now.Sub(f.lockedAt) >= r.lockoutDuration {
		f.count = 0
		f.firstFail = now
		f.lockedAt = time.Time{}
	}

	f.count++
	if f.count >= r.maxFailures {
		f.lockedAt = now
	}
}

// RecordSuccess clears the failure history of p.
func (r *AuthRateLimiter) RecordSuccess(p profile.Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.failures, limiterKey(p))
}

// Cleanup removes expired entries.
func (r *AuthRateLimiter) Cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	for k, f := range r.failures {
		if !f.lockedAt.IsZero() && now.Sub(f.lockedAt) >= r.lockoutDuration {
			delete(r.failures, k)
			continue
		}
		// No recent activity.
		if now.Sub(f.firstFail) >= 2*r.lockoutDuration {
			delete(r.failures, k)
		}
	}
}
