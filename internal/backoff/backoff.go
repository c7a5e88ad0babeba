package backoff

import (
	"context"
	"time"

	"indexflow/internal/clock"
)

const (
	defaultBase = 500 * time.Millisecond
	defaultMax  = 30 * time.Second
)

// Policy describes a capped exponential backoff. MaxAttempts of 0 means unlimited.
type Policy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// Delay returns base*2^retry capped at max.
func Delay(base, max time.Duration, retry int) time.Duration {
	if base <= 0 {
		base = defaultBase
	}
	if max <= 0 {
		max = defaultMax
	}
	if retry <= 0 {
		if base > max {
			return max
		}
		return base
	}
	if retry > 30 {
		return max
	}
	d := base * time.Duration(1<<retry)
	if d > max || d <= 0 {
		return max
	}
	return d
}

// Backoff tracks consecutive failed attempts of one connection. It is not
// safe for concurrent use; each transport owns its own instance.
type Backoff struct {
	policy  Policy
	attempt int
}

func New(p Policy) *Backoff {
	return &Backoff{policy: p}
}

// Next records a failed attempt and returns the delay before the next one.
// ok is false once the attempt ceiling is exhausted.
func (b *Backoff) Next() (time.Duration, bool) {
	b.attempt++
	if b.policy.MaxAttempts > 0 && b.attempt > b.policy.MaxAttempts {
		return 0, false
	}
	return Delay(b.policy.Base, b.policy.Max, b.attempt-1), true
}

// Reset clears the attempt counter after a successful connection.
func (b *Backoff) Reset() {
	b.attempt = 0
}

func (b *Backoff) Attempt() int {
	return b.attempt
}

// Wait sleeps for d on clk. It returns true when ctx was cancelled first.
func Wait(ctx context.Context, clk clock.Clock, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() != nil
	}
	select {
	case <-ctx.Done():
		return true
	case <-clk.After(d):
		return false
	}
}
