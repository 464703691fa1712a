// Package retry runs a task behind a circuit breaker gate with exponential
// backoff, classifying failures as retryable or fatal.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"
)

// ErrCircuitOpen is returned without invoking the task when the gate rejects the call.
var ErrCircuitOpen = errors.New("circuit breaker is open: service temporarily unavailable")

// Gate is the circuit breaker surface the executor needs.
type Gate interface {
	CanExecute() bool
	RecordSuccess()
	RecordFailure()
}

// Func is a single attempt of a task.
type Func func(ctx context.Context) (any, error)

// Policy bounds the retry loop.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxJitter  time.Duration
}

// DefaultPolicy returns 3 retries between 1s and 30s with up to 1s of jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
		MaxJitter:  time.Second,
	}
}

// Delay returns the backoff before the retry that follows attempt (0-based).
// jitter is clamped to [0, min(MaxJitter, BaseDelay)) so successive delays
// never decrease.
func (p Policy) Delay(attempt int, jitter time.Duration) time.Duration {
	limit := p.jitterLimit()
	if jitter < 0 {
		jitter = 0
	}
	if limit <= 0 {
		jitter = 0
	} else if jitter >= limit {
		jitter = limit - 1
	}

	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			break
		}
		d *= 2
	}
	d += jitter
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

func (p Policy) jitterLimit() time.Duration {
	return min(p.MaxJitter, p.BaseDelay)
}

// Executor is shared by every batch; it holds no per-call state.
type Executor struct {
	gate     Gate
	policy   Policy
	classify Classifier
	sleep    func(ctx context.Context, d time.Duration) error
	jitter   func(limit time.Duration) time.Duration
	logger   zerolog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithClassifier replaces IsTransient.
func WithClassifier(c Classifier) Option {
	return func(e *Executor) {
		if c != nil {
			e.classify = c
		}
	}
}

// WithSleep replaces the context-aware sleep between attempts.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) {
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

// WithJitter replaces the random jitter source.
func WithJitter(jitter func(limit time.Duration) time.Duration) Option {
	return func(e *Executor) {
		if jitter != nil {
			e.jitter = jitter
		}
	}
}

// WithLogger sets the executor logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Executor) {
		e.logger = logger
	}
}

// NewExecutor creates an executor guarded by gate.
func NewExecutor(gate Gate, policy Policy, opts ...Option) *Executor {
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	e := &Executor{
		gate:     gate,
		policy:   policy,
		classify: IsTransient,
		sleep:    sleepContext,
		jitter:   randomJitter,
		logger:   zerolog.Nop(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Policy returns the configured policy.
func (e *Executor) Policy() Policy {
	return e.policy
}

// Do runs fn up to MaxRetries+1 times. Fatal errors and the last retryable
// error are returned unchanged.
func (e *Executor) Do(ctx context.Context, fn Func) (any, error) {
	var lastErr error

	for attempt := 0; attempt <= e.policy.MaxRetries; attempt++ {
		if !e.gate.CanExecute() {
			return nil, ErrCircuitOpen
		}

		result, err := call(ctx, fn)
		if err == nil {
			e.gate.RecordSuccess()
			return result, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			// The caller gave up; the failure says nothing about the service.
			e.logger.Debug().Err(err).Int("attempt", attempt+1).Msg("attempt aborted by context")
			return nil, err
		}
		e.gate.RecordFailure()

		if !e.classify(err) {
			e.logger.Error().Err(err).Int("attempt", attempt+1).Msg("non-retryable error")
			return nil, err
		}

		if attempt >= e.policy.MaxRetries {
			e.logger.Error().Err(err).Int("max_retries", e.policy.MaxRetries).Msg("max retries exceeded")
			return nil, err
		}

		delay := e.policy.Delay(attempt, e.jitter(e.policy.jitterLimit()))
		e.logger.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Int("max_retries", e.policy.MaxRetries).
			Dur("delay", delay).
			Msg("retrying after backoff")

		if sleepErr := e.sleep(ctx, delay); sleepErr != nil {
			return nil, sleepErr
		}
	}

	return nil, lastErr
}

func call(ctx context.Context, fn Func) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return fn(ctx)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return rand.N(limit)
}
