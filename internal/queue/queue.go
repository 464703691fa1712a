// Package queue dispatches batches of items through a shared rate limiter,
// admission gate and retrying executor, recording every outcome into the
// batch's tracker job.
package queue

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"docbatch/internal/circuit"
	"docbatch/internal/models"
	"docbatch/internal/ratelimit"
	"docbatch/internal/retry"
	"docbatch/internal/tracker"
)

// Default queue configuration.
const (
	DefaultConcurrency = 5
	DefaultChunkSize   = 10
	DefaultChunkDelay  = 200 * time.Millisecond
)

var (
	ErrQueueClosed    = errors.New("queue is shutting down")
	ErrNilTask        = errors.New("batch task cannot be nil")
	ErrBatchCancelled = errors.New("batch cancelled")
)

// Item is one unit of a batch. Label is only used in diagnostics.
type Item interface {
	Label() string
}

// Task processes one item. It must be safe to call again after a failure.
type Task func(ctx context.Context, item Item) (any, error)

// Config sizes the queue.
type Config struct {
	// Concurrency is the queue-wide number of tasks allowed in flight.
	Concurrency int

	// ChunkSize is the default number of items dispatched together.
	ChunkSize int

	// ChunkDelay is the settling pause between chunks.
	ChunkDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.ChunkDelay < 0 {
		c.ChunkDelay = 0
	}
	return c
}

// Queue is the batch orchestrator. One Queue is shared by every caller.
type Queue struct {
	cfg      Config
	tracker  *tracker.Tracker
	limiter  *ratelimit.TokenBucket
	breaker  *circuit.Breaker
	executor *retry.Executor
	gate     *semaphore.Weighted

	inFlight atomic.Int64
	active   atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool

	logger zerolog.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the queue logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(q *Queue) {
		q.logger = logger
	}
}

// New creates a queue. limiter, breaker and executor are shared process-wide;
// executor must be guarded by breaker.
func New(
	cfg Config,
	tr *tracker.Tracker,
	limiter *ratelimit.TokenBucket,
	breaker *circuit.Breaker,
	executor *retry.Executor,
	opts ...Option,
) *Queue {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		cfg:      cfg,
		tracker:  tr,
		limiter:  limiter,
		breaker:  breaker,
		executor: executor,
		gate:     semaphore.NewWeighted(int64(cfg.Concurrency)),
		ctx:      ctx,
		cancel:   cancel,
		logger:   zerolog.Nop(),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Tracker returns the job tracker the queue records into.
func (q *Queue) Tracker() *tracker.Tracker {
	return q.tracker
}

// Submit creates a job for items and processes it in the background. It
// returns as soon as the job exists; progress is visible through the tracker.
func (q *Queue) Submit(items []Item, task Task, opts ...BatchOption) (*tracker.Job, error) {
	if task == nil {
		return nil, ErrNilTask
	}
	if err := q.begin(); err != nil {
		return nil, err
	}
	job := q.tracker.Create(len(items))
	q.spawn(job, items, task, opts)
	return job, nil
}

// SubmitTo processes items in the background into a job the caller already
// created, e.g. one that holds pre-recorded validation failures.
func (q *Queue) SubmitTo(job *tracker.Job, items []Item, task Task, opts ...BatchOption) error {
	if task == nil {
		return ErrNilTask
	}
	if err := q.begin(); err != nil {
		return err
	}
	q.spawn(job, items, task, opts)
	return nil
}

func (q *Queue) begin() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.wg.Add(1)
	q.active.Add(1)
	return nil
}

func (q *Queue) spawn(job *tracker.Job, items []Item, task Task, opts []BatchOption) {
	go func() {
		defer q.wg.Done()
		defer q.active.Add(-1)
		q.Run(q.ctx, job, items, task, opts...)
	}()
}

// Run processes items into job chunk by chunk and returns once every item
// has been recorded. Items of a chunk run concurrently; the next chunk starts
// only after the previous one is fully recorded and the settling delay passed.
func (q *Queue) Run(ctx context.Context, job *tracker.Job, items []Item, task Task, opts ...BatchOption) {
	o := q.batchOptions(opts)
	log := q.logger.With().Str("job_id", job.ID()).Logger()
	log.Info().
		Int("items", len(items)).
		Int("chunk_size", o.chunkSize).
		Msg("batch processing started")

	for start := 0; start < len(items); start += o.chunkSize {
		end := min(start+o.chunkSize, len(items))

		if err := q.stopCause(ctx, job); err != nil {
			log.Warn().Err(err).Int("remaining", len(items)-start).Msg("batch stopped before completion")
			q.abandon(job, items[start:], err, o)
			return
		}

		var g errgroup.Group
		for _, item := range items[start:end] {
			g.Go(func() error {
				q.processItem(ctx, job, item, task, o)
				return nil
			})
		}
		_ = g.Wait()

		log.Debug().Int("chunk_start", start).Int("chunk_end", end).Msg("chunk finished")

		if end < len(items) && q.cfg.ChunkDelay > 0 {
			timer := time.NewTimer(q.cfg.ChunkDelay)
			select {
			case <-ctx.Done():
			case <-timer.C:
			}
			timer.Stop()
		}
	}

	v := job.View()
	log.Info().
		Int("successful", v.Successful).
		Int("total", v.Total).
		Str("status", string(v.Status)).
		Msg("batch processing finished")
}

func (q *Queue) stopCause(ctx context.Context, job *tracker.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if job.Cancelled() {
		return ErrBatchCancelled
	}
	return nil
}

// abandon records items that will never be dispatched as failures so the job
// still reaches its total.
func (q *Queue) abandon(job *tracker.Job, items []Item, cause error, o batchOptions) {
	for _, item := range items {
		q.tracker.Record(job, models.TaskOutcome{Error: cause.Error(), Label: label(item)})
		if o.onFailure != nil {
			o.onFailure(item, cause)
		}
	}
}

func (q *Queue) processItem(ctx context.Context, job *tracker.Job, item Item, task Task, o batchOptions) {
	result, err := q.execute(ctx, job, item, task)
	if err != nil {
		q.logger.Debug().Err(err).Str("job_id", job.ID()).Str("item", label(item)).Msg("item failed")
		q.tracker.Record(job, models.TaskOutcome{Error: err.Error(), Label: label(item)})
		if o.onFailure != nil {
			o.onFailure(item, err)
		}
		return
	}
	q.tracker.Record(job, models.TaskOutcome{Success: true, Result: result, Label: label(item)})
}

// ProcessWithLimit runs a single item through the limiter, the admission
// gate and the retrying executor.
func (q *Queue) ProcessWithLimit(ctx context.Context, item Item, task Task) (any, error) {
	if task == nil {
		return nil, ErrNilTask
	}
	return q.execute(ctx, nil, item, task)
}

func (q *Queue) execute(ctx context.Context, job *tracker.Job, item Item, task Task) (any, error) {
	if err := q.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if job != nil && job.Cancelled() {
		return nil, ErrBatchCancelled
	}

	if err := q.gate.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer q.gate.Release(1)

	q.inFlight.Add(1)
	defer q.inFlight.Add(-1)

	return q.executor.Do(ctx, func(ctx context.Context) (any, error) {
		return task(ctx, item)
	})
}

// Stats reports the shared gates and queue load.
func (q *Queue) Stats() models.QueueStats {
	snap := q.breaker.Snapshot()
	return models.QueueStats{
		CircuitBreakerState:    snap.State.String(),
		CircuitBreakerFailures: snap.Failures,
		RateLimitTokens:        math.Round(q.limiter.Tokens()*100) / 100,
		RateLimitCapacity:      q.limiter.Capacity(),
		InFlight:               q.inFlight.Load(),
		ActiveBatches:          q.active.Load(),
		TrackedJobs:            q.tracker.Len(),
		Config: models.QueueConfigView{
			Concurrency:       q.cfg.Concurrency,
			RequestsPerMinute: int(math.Round(q.limiter.Rate() * 60)),
			BurstCapacity:     int(q.limiter.Capacity()),
			BatchChunkSize:    q.cfg.ChunkSize,
			ChunkDelay:        q.cfg.ChunkDelay.String(),
			MaxRetries:        q.executor.Policy().MaxRetries,
		},
	}
}

// Shutdown stops accepting batches and waits for running ones. If ctx ends
// first, remaining items are abandoned and recorded as failed.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		q.wg.Wait()
	}()

	select {
	case <-done:
		q.cancel()
		q.logger.Info().Msg("queue drained, shutdown complete")
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		q.logger.Warn().Msg("shutdown interrupted, unfinished items abandoned")
		return ctx.Err()
	}
}

func label(item Item) string {
	if item == nil {
		return ""
	}
	return item.Label()
}
