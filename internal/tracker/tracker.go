// Package tracker keeps the in-memory table of batch jobs and folds task
// outcomes into them. Nothing here survives a restart; old jobs are removed
// by an explicit Sweep.
package tracker

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"docbatch/internal/models"
)

const (
	// MaxErrors is the number of most recent error records a job keeps.
	MaxErrors = 10

	// MaxErrorLength caps each stored error message, in characters.
	MaxErrorLength = 200

	unknownLabel = "unknown"
)

// ErrJobNotFound is returned for unknown or swept job ids.
var ErrJobNotFound = errors.New("batch job not found")

// UpdateHook receives a snapshot after every change to a job.
type UpdateHook func(view models.BatchStatusView)

// Tracker owns every Job. The map lock and each job's lock are independent so
// recording into one batch never blocks another.
type Tracker struct {
	mu    sync.RWMutex
	jobs  map[string]*Job
	hooks []UpdateHook

	now    func() time.Time
	logger zerolog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// WithLogger sets the tracker logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// New creates an empty tracker.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		jobs:   make(map[string]*Job),
		now:    time.Now,
		logger: zerolog.Nop(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// OnUpdate registers a hook called after each job change, outside any lock.
func (t *Tracker) OnUpdate(hook UpdateHook) {
	t.mu.Lock()
	t.hooks = append(t.hooks, hook)
	t.mu.Unlock()
}

// Create registers a job expecting total items. A job with nothing to do is
// completed immediately.
func (t *Tracker) Create(total int) *Job {
	if total < 0 {
		total = 0
	}
	now := t.now()
	job := &Job{
		id:        uuid.NewString(),
		total:     total,
		status:    models.StatusProcessing,
		createdAt: now,
		errors:    make([]models.ErrorRecord, 0, MaxErrors),
	}
	if total == 0 {
		job.status = models.StatusCompleted
		job.completedAt = now
	}

	t.mu.Lock()
	t.jobs[job.id] = job
	t.mu.Unlock()

	t.logger.Debug().Str("job_id", job.id).Int("total", total).Msg("batch job created")
	t.notify(job.View())
	return job
}

// Record folds one outcome into job. When the last item arrives the job's
// completion time and terminal status are fixed.
func (t *Tracker) Record(job *Job, outcome models.TaskOutcome) {
	job.mu.Lock()
	if job.processed >= job.total {
		job.mu.Unlock()
		t.logger.Warn().Str("job_id", job.id).Str("item", outcome.Label).Msg("outcome recorded past job total, ignoring")
		return
	}

	job.processed++
	if outcome.Success {
		job.successful++
		job.results = append(job.results, outcome.Result)
	} else {
		job.failed++
		job.appendErrorLocked(outcome)
	}

	finished := job.processed == job.total
	if finished && job.completedAt.IsZero() {
		job.completedAt = t.now()
	}
	if finished && !job.cancelled {
		switch {
		case job.failed == 0:
			job.status = models.StatusCompleted
		case job.successful == 0:
			job.status = models.StatusFailed
		default:
			job.status = models.StatusPartial
		}
	}
	view := job.viewLocked()
	job.mu.Unlock()

	if finished {
		t.logger.Info().
			Str("job_id", view.ID).
			Int("successful", view.Successful).
			Int("failed", view.Failed).
			Int("total", view.Total).
			Str("status", string(view.Status)).
			Msg("batch job finished")
	}
	t.notify(view)
}

func (j *Job) appendErrorLocked(outcome models.TaskOutcome) {
	label := outcome.Label
	if label == "" {
		label = unknownLabel
	}
	rec := models.ErrorRecord{Filename: label, Error: truncate(outcome.Error, MaxErrorLength)}

	if len(j.errors) < MaxErrors {
		j.errors = append(j.errors, rec)
		return
	}
	copy(j.errors, j.errors[1:])
	j.errors[len(j.errors)-1] = rec
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}

// Get returns the live job.
func (t *Tracker) Get(id string) (*Job, error) {
	t.mu.RLock()
	job, ok := t.jobs[id]
	t.mu.RUnlock()
	if !ok {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// Status returns the status view of a job.
func (t *Tracker) Status(id string) (models.BatchStatusView, error) {
	job, err := t.Get(id)
	if err != nil {
		return models.BatchStatusView{}, err
	}
	return job.View(), nil
}

// Results returns the status view plus the successful results of a job.
func (t *Tracker) Results(id string) (models.BatchResultsView, error) {
	job, err := t.Get(id)
	if err != nil {
		return models.BatchResultsView{}, err
	}
	return job.ResultsView(), nil
}

// List returns a status view of every tracked job, newest first.
func (t *Tracker) List() []models.BatchStatusView {
	t.mu.RLock()
	jobs := make([]*Job, 0, len(t.jobs))
	for _, j := range t.jobs {
		jobs = append(jobs, j)
	}
	t.mu.RUnlock()

	views := make([]models.BatchStatusView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, j.View())
	}
	sort.Slice(views, func(a, b int) bool {
		return views[a].CreatedAt.After(views[b].CreatedAt)
	})
	return views
}

// Cancel marks an unfinished job as failed. Work already admitted keeps
// running and still updates the counters, but the status stays failed.
func (t *Tracker) Cancel(id string) (models.BatchStatusView, error) {
	job, err := t.Get(id)
	if err != nil {
		return models.BatchStatusView{}, err
	}

	job.mu.Lock()
	changed := !job.status.Terminal()
	if changed {
		job.status = models.StatusFailed
		job.cancelled = true
		job.completedAt = t.now()
	}
	view := job.viewLocked()
	job.mu.Unlock()

	if changed {
		t.logger.Info().Str("job_id", id).Int("processed", view.Processed).Int("total", view.Total).Msg("batch job cancelled")
		t.notify(view)
	}
	return view, nil
}

// Sweep deletes jobs that completed more than maxAge ago and returns how many
// were removed.
func (t *Tracker) Sweep(maxAge time.Duration) int {
	cutoff := t.now().Add(-maxAge)

	t.mu.Lock()
	removed := 0
	for id, job := range t.jobs {
		job.mu.Lock()
		expired := !job.completedAt.IsZero() && job.completedAt.Before(cutoff)
		job.mu.Unlock()
		if expired {
			delete(t.jobs, id)
			removed++
		}
	}
	t.mu.Unlock()

	if removed > 0 {
		t.logger.Info().Int("removed", removed).Dur("max_age", maxAge).Msg("cleaned up old batch jobs")
	}
	return removed
}

// Len returns the number of tracked jobs.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.jobs)
}

func (t *Tracker) notify(view models.BatchStatusView) {
	t.mu.RLock()
	hooks := make([]UpdateHook, len(t.hooks))
	copy(hooks, t.hooks)
	t.mu.RUnlock()

	for _, h := range hooks {
		h(view)
	}
}
