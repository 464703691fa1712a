package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// JobStore is the part of the job tracker the sweeper needs.
type JobStore interface {
	Sweep(maxAge time.Duration) int
}

// Sweeper periodically removes finished batch jobs older than the retention
// window.
type Sweeper struct {
	store    JobStore
	interval time.Duration
	maxAge   time.Duration
	logger   zerolog.Logger
}

// New creates a new sweeper
func New(store JobStore, interval, maxAge time.Duration, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		store:    store,
		interval: interval,
		maxAge:   maxAge,
		logger:   logger,
	}
}

// Start runs the sweep loop until ctx is cancelled. A non-positive interval
// disables it.
func (s *Sweeper) Start(ctx context.Context) {
	if s.interval <= 0 {
		s.logger.Info().Msg("retention sweep disabled")
		return
	}
	s.logger.Info().Dur("interval", s.interval).Dur("max_age", s.maxAge).Msg("retention sweeper started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("retention sweeper shutting down")
			return
		case <-ticker.C:
			s.RunOnce()
		}
	}
}

// RunOnce performs a single sweep and returns the number of jobs removed.
func (s *Sweeper) RunOnce() int {
	removed := s.store.Sweep(s.maxAge)
	if removed > 0 {
		s.logger.Info().Int("removed", removed).Msg("swept expired batch jobs")
	}
	return removed
}
