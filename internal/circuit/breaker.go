// Package circuit implements a consecutive-failure circuit breaker that
// blocks calls to a failing dependency and tests for recovery with trial calls.
package circuit

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State is the breaker position.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText lets the state render as its name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config holds breaker thresholds.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the breaker.
	FailureThreshold int

	// RecoveryTimeout is how long the breaker stays open before probing.
	RecoveryTimeout time.Duration

	// HalfOpenMax is the number of trial successes required to close again.
	HalfOpenMax int
}

// DefaultConfig returns the thresholds the batch queue uses.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 10,
		RecoveryTimeout:  60 * time.Second,
		HalfOpenMax:      3,
	}
}

// Snapshot is a point-in-time copy of the breaker state.
type Snapshot struct {
	State             State     `json:"state"`
	Failures          int       `json:"failures"`
	LastFailure       time.Time `json:"last_failure,omitempty"`
	HalfOpenSuccesses int       `json:"half_open_successes"`
}

// Breaker is safe for concurrent use.
type Breaker struct {
	mu                sync.Mutex
	cfg               Config
	state             State
	failures          int
	lastFailure       time.Time
	halfOpenSuccesses int

	now    func() time.Time
	logger zerolog.Logger
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// WithLogger sets the logger used for state transitions.
func WithLogger(logger zerolog.Logger) Option {
	return func(b *Breaker) {
		b.logger = logger
	}
}

// New creates a closed breaker. Zero-valued config fields fall back to DefaultConfig.
func New(cfg Config, opts ...Option) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = def.HalfOpenMax
	}

	b := &Breaker{
		cfg:    cfg,
		state:  Closed,
		now:    time.Now,
		logger: zerolog.Nop(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// CanExecute reports whether a call may proceed. An open breaker whose
// recovery timeout has elapsed moves to half-open and admits the caller.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if b.now().Sub(b.lastFailure) >= b.cfg.RecoveryTimeout {
			b.state = HalfOpen
			b.halfOpenSuccesses = 0
			b.logger.Info().Msg("circuit breaker entering half-open state")
			return true
		}
		return false
	default:
		return b.halfOpenSuccesses < b.cfg.HalfOpenMax
	}
}

// RecordSuccess notes a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.failures = 0
	case HalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.HalfOpenMax {
			b.state = Closed
			b.failures = 0
			b.halfOpenSuccesses = 0
			b.logger.Info().Msg("circuit breaker closed after recovery")
		}
	case Open:
		// Late result of a call admitted before the breaker opened.
	}
}

// RecordFailure notes a failed call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	switch b.state {
	case Closed:
		if b.failures >= b.cfg.FailureThreshold {
			b.state = Open
			b.lastFailure = b.now()
			b.logger.Warn().Int("failures", b.failures).Msg("circuit breaker opened")
		}
	case HalfOpen:
		b.state = Open
		b.lastFailure = b.now()
		b.halfOpenSuccesses = 0
		b.logger.Warn().Msg("circuit breaker re-opened after half-open failure")
	case Open:
		b.lastFailure = b.now()
	}
}

// State returns the current position without triggering a transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Snapshot returns a copy of the breaker state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:             b.state,
		Failures:          b.failures,
		LastFailure:       b.lastFailure,
		HalfOpenSuccesses: b.halfOpenSuccesses,
	}
}
