package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// Never is the wait returned for requests the bucket can never admit.
const Never = time.Duration(math.MaxInt64)

// TokenBucket paces outbound calls to an average rate with a bounded burst.
// Refill is lazy: the balance is recomputed from elapsed time on every call.
type TokenBucket struct {
	mu       sync.Mutex
	rate     float64
	capacity float64
	tokens   float64
	last     time.Time
	now      func() time.Time
}

// Option configures a TokenBucket.
type Option func(*TokenBucket)

// WithClock replaces the wall clock, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(b *TokenBucket) {
		if now != nil {
			b.now = now
		}
	}
}

// New creates a bucket that refills rate tokens per second up to capacity.
// The bucket starts full.
func New(rate float64, capacity int, opts ...Option) *TokenBucket {
	b := &TokenBucket{
		rate:     rate,
		capacity: float64(capacity),
		tokens:   float64(capacity),
		now:      time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	b.last = b.now()
	return b
}

// NewPerMinute creates a bucket from a requests-per-minute budget.
func NewPerMinute(requestsPerMinute, burst int, opts ...Option) *TokenBucket {
	return New(float64(requestsPerMinute)/60.0, burst, opts...)
}

// Acquire tries to take n tokens. It returns 0 when the tokens were taken,
// otherwise the time until n tokens would be available. A non-zero wait does
// not reserve anything; the caller sleeps and asks again.
//
// n <= 0 is granted without touching the balance. A request larger than the
// capacity can never be met and returns Never.
func (b *TokenBucket) Acquire(n int) time.Duration {
	if n <= 0 {
		return 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.tokens = b.refilled(now)
	b.last = now

	need := float64(n)
	if b.tokens >= need {
		b.tokens -= need
		return 0
	}

	if b.rate <= 0 || need > b.capacity {
		return Never
	}
	deficit := need - b.tokens
	return time.Duration(deficit / b.rate * float64(time.Second))
}

// Wait blocks until one token is admitted or ctx ends.
func (b *TokenBucket) Wait(ctx context.Context) error {
	for {
		wait := b.Acquire(1)
		if wait == 0 {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Tokens reports the current balance including pending refill.
func (b *TokenBucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refilled(b.now())
}

// Capacity returns the burst size.
func (b *TokenBucket) Capacity() float64 {
	return b.capacity
}

// Rate returns the refill rate in tokens per second.
func (b *TokenBucket) Rate() float64 {
	return b.rate
}

// refilled must be called with mu held.
func (b *TokenBucket) refilled(now time.Time) float64 {
	elapsed := now.Sub(b.last).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	return math.Min(b.capacity, b.tokens+elapsed*b.rate)
}
