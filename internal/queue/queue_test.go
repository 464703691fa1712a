package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docbatch/internal/circuit"
	"docbatch/internal/models"
	"docbatch/internal/ratelimit"
	"docbatch/internal/retry"
	"docbatch/internal/tracker"
)

type testItem struct {
	index int
}

func (i testItem) Label() string { return fmt.Sprintf("file-%02d.pdf", i.index) }

func makeItems(n int) []Item {
	items := make([]Item, n)
	for i := range items {
		items[i] = testItem{index: i}
	}
	return items
}

type harness struct {
	queue   *Queue
	tracker *tracker.Tracker
	breaker *circuit.Breaker
}

func newHarness(t *testing.T, cfg Config, breakerCfg circuit.Config) *harness {
	t.Helper()
	tr := tracker.New()
	limiter := ratelimit.New(1e6, 1000)
	breaker := circuit.New(breakerCfg)
	executor := retry.NewExecutor(breaker, retry.Policy{
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		MaxDelay:   2 * time.Millisecond,
	})
	q := New(cfg, tr, limiter, breaker, executor)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = q.Shutdown(ctx)
	})
	return &harness{queue: q, tracker: tr, breaker: breaker}
}

func fastConfig() Config {
	return Config{Concurrency: 5, ChunkSize: 10, ChunkDelay: time.Millisecond}
}

func TestQueue_FailureIsolation(t *testing.T) {
	h := newHarness(t, fastConfig(), circuit.DefaultConfig())

	task := func(_ context.Context, item Item) (any, error) {
		it := item.(testItem)
		if (it.index+1)%3 == 0 {
			return nil, errors.New("malformed document")
		}
		return it.Label(), nil
	}

	job := h.tracker.Create(12)
	h.queue.Run(context.Background(), job, makeItems(12), task)

	res := job.ResultsView()
	assert.Equal(t, models.StatusPartial, res.Status)
	assert.Equal(t, 12, res.Processed)
	assert.Equal(t, 8, res.Successful)
	assert.Equal(t, 4, res.Failed)
	require.Len(t, res.Results, 8)
	require.Len(t, res.Errors, 4)
	for _, e := range res.Errors {
		assert.Equal(t, "malformed document", e.Error)
	}

	var got []string
	for _, r := range res.Results {
		got = append(got, r.(string))
	}
	for i := 0; i < 12; i++ {
		if (i+1)%3 != 0 {
			assert.Contains(t, got, testItem{index: i}.Label())
		}
	}
	require.NotNil(t, res.CompletedAt)
}

func TestQueue_TransientFailuresRetried(t *testing.T) {
	h := newHarness(t, fastConfig(), circuit.DefaultConfig())

	var mu sync.Mutex
	attempts := map[int]int{}
	task := func(_ context.Context, item Item) (any, error) {
		it := item.(testItem)
		mu.Lock()
		attempts[it.index]++
		n := attempts[it.index]
		mu.Unlock()
		if n == 1 {
			return nil, errors.New("429 too many requests")
		}
		return it.index, nil
	}

	job := h.tracker.Create(4)
	h.queue.Run(context.Background(), job, makeItems(4), task)

	v := job.View()
	assert.Equal(t, models.StatusCompleted, v.Status)
	assert.Equal(t, 4, v.Successful)
	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < 4; i++ {
		assert.Equal(t, 2, attempts[i])
	}
}

func TestQueue_ConcurrencyBoundAcrossBatches(t *testing.T) {
	cfg := Config{Concurrency: 3, ChunkSize: 10, ChunkDelay: time.Millisecond}
	h := newHarness(t, cfg, circuit.DefaultConfig())

	var running, peak int32
	task := func(_ context.Context, item Item) (any, error) {
		cur := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if cur <= p || atomic.CompareAndSwapInt32(&peak, p, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return nil, nil
	}

	a, err := h.queue.Submit(makeItems(20), task)
	require.NoError(t, err)
	b, err := h.queue.Submit(makeItems(20), task)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return a.Status().Terminal() && b.Status().Terminal()
	}, 5*time.Second, 5*time.Millisecond)

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
	assert.Greater(t, atomic.LoadInt32(&peak), int32(0))
	assert.Equal(t, models.StatusCompleted, a.Status())
	assert.Equal(t, models.StatusCompleted, b.Status())
}

func TestQueue_ChunksRunInOrder(t *testing.T) {
	h := newHarness(t, Config{Concurrency: 4, ChunkSize: 4, ChunkDelay: time.Millisecond}, circuit.DefaultConfig())
	job := h.tracker.Create(12)

	var violations atomic.Int32
	task := func(_ context.Context, item Item) (any, error) {
		chunk := item.(testItem).index / 4
		if job.View().Processed < chunk*4 {
			violations.Add(1)
		}
		time.Sleep(time.Duration(item.(testItem).index%3) * time.Millisecond)
		return nil, nil
	}

	h.queue.Run(context.Background(), job, makeItems(12), task, WithChunkSize(4))

	assert.Zero(t, violations.Load())
	assert.Equal(t, models.StatusCompleted, job.Status())
}

func TestQueue_ChunkDelayBetweenChunks(t *testing.T) {
	const (
		chunkSize = 2
		delay     = 30 * time.Millisecond
	)
	h := newHarness(t, Config{Concurrency: 4, ChunkSize: chunkSize, ChunkDelay: delay}, circuit.DefaultConfig())
	job := h.tracker.Create(6)

	var mu sync.Mutex
	starts := map[int][]time.Time{}
	finishes := map[int][]time.Time{}
	task := func(_ context.Context, item Item) (any, error) {
		chunk := item.(testItem).index / chunkSize
		mu.Lock()
		starts[chunk] = append(starts[chunk], time.Now())
		mu.Unlock()

		time.Sleep(time.Millisecond)

		mu.Lock()
		finishes[chunk] = append(finishes[chunk], time.Now())
		mu.Unlock()
		return nil, nil
	}

	h.queue.Run(context.Background(), job, makeItems(6), task)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, starts, 3)
	for k := 0; k < 2; k++ {
		var lastFinish time.Time
		for _, f := range finishes[k] {
			if f.After(lastFinish) {
				lastFinish = f
			}
		}
		firstStart := starts[k+1][0]
		for _, s := range starts[k+1] {
			if s.Before(firstStart) {
				firstStart = s
			}
		}
		assert.GreaterOrEqual(t, firstStart.Sub(lastFinish), delay, "chunk %d started too early", k+1)
	}
	assert.Equal(t, models.StatusCompleted, job.Status())
}

func TestQueue_SubmitReturnsImmediately(t *testing.T) {
	h := newHarness(t, fastConfig(), circuit.DefaultConfig())

	release := make(chan struct{})
	task := func(ctx context.Context, item Item) (any, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return item.Label(), nil
	}

	job, err := h.queue.Submit(makeItems(3), task)
	require.NoError(t, err)

	v, err := h.tracker.Status(job.ID())
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, v.Status)
	assert.Equal(t, 3, v.Total)

	close(release)
	require.Eventually(t, func() bool { return job.Done() }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, models.StatusCompleted, job.Status())
}

func TestQueue_CancelSkipsUndispatchedItems(t *testing.T) {
	h := newHarness(t, Config{Concurrency: 5, ChunkSize: 2, ChunkDelay: time.Millisecond}, circuit.DefaultConfig())

	started := make(chan struct{}, 10)
	release := make(chan struct{})
	var calls atomic.Int32
	task := func(_ context.Context, item Item) (any, error) {
		calls.Add(1)
		started <- struct{}{}
		<-release
		return item.Label(), nil
	}

	var hookMu sync.Mutex
	var hooked []string
	job, err := h.queue.Submit(makeItems(6), task, WithFailureHook(func(item Item, err error) {
		hookMu.Lock()
		hooked = append(hooked, item.Label())
		hookMu.Unlock()
		assert.ErrorIs(t, err, ErrBatchCancelled)
	}))
	require.NoError(t, err)

	<-started
	<-started
	_, err = h.tracker.Cancel(job.ID())
	require.NoError(t, err)
	close(release)

	require.Eventually(t, func() bool { return job.Done() }, 2*time.Second, 5*time.Millisecond)

	v := job.View()
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, models.StatusFailed, v.Status)
	assert.True(t, v.Cancelled)
	assert.Equal(t, 6, v.Processed)
	assert.Equal(t, 2, v.Successful)
	assert.Equal(t, 4, v.Failed)
	for _, e := range v.Errors {
		assert.Equal(t, ErrBatchCancelled.Error(), e.Error)
	}
	hookMu.Lock()
	assert.Len(t, hooked, 4)
	hookMu.Unlock()
}

func TestQueue_CircuitOpenRejectsRemainingItems(t *testing.T) {
	h := newHarness(t, Config{Concurrency: 1, ChunkSize: 1, ChunkDelay: time.Millisecond},
		circuit.Config{FailureThreshold: 2, RecoveryTimeout: time.Hour, HalfOpenMax: 1})

	var calls atomic.Int32
	task := func(context.Context, Item) (any, error) {
		calls.Add(1)
		return nil, errors.New("authentication failed")
	}

	job := h.tracker.Create(5)
	h.queue.Run(context.Background(), job, makeItems(5), task)

	v := job.View()
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, models.StatusFailed, v.Status)
	assert.Equal(t, 5, v.Failed)
	assert.Equal(t, circuit.Open, h.breaker.State())

	circuitErrors := 0
	for _, e := range v.Errors {
		if strings.Contains(e.Error, "circuit breaker is open") {
			circuitErrors++
		}
	}
	assert.Equal(t, 3, circuitErrors)
}

func TestQueue_ContextCancelledAbandonsRest(t *testing.T) {
	h := newHarness(t, Config{Concurrency: 1, ChunkSize: 1, ChunkDelay: time.Millisecond}, circuit.DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	task := func(_ context.Context, item Item) (any, error) {
		if item.(testItem).index == 1 {
			cancel()
		}
		return nil, nil
	}

	job := h.tracker.Create(6)
	h.queue.Run(ctx, job, makeItems(6), task)

	v := job.View()
	assert.Equal(t, 6, v.Processed)
	assert.Equal(t, 2, v.Successful)
	assert.Equal(t, 4, v.Failed)
	assert.Equal(t, models.StatusPartial, v.Status)
}

func TestQueue_ProcessWithLimit(t *testing.T) {
	h := newHarness(t, fastConfig(), circuit.DefaultConfig())

	out, err := h.queue.ProcessWithLimit(context.Background(), testItem{index: 7}, func(_ context.Context, item Item) (any, error) {
		return "done " + item.Label(), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "done file-07.pdf", out)

	_, err = h.queue.ProcessWithLimit(context.Background(), testItem{}, nil)
	assert.ErrorIs(t, err, ErrNilTask)
}

func TestQueue_EmptyBatch(t *testing.T) {
	h := newHarness(t, fastConfig(), circuit.DefaultConfig())

	job, err := h.queue.Submit(nil, func(context.Context, Item) (any, error) { return nil, nil })
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, job.Status())
}

func TestQueue_Stats(t *testing.T) {
	h := newHarness(t, Config{Concurrency: 4, ChunkSize: 8, ChunkDelay: 150 * time.Millisecond}, circuit.DefaultConfig())
	h.tracker.Create(2)

	stats := h.queue.Stats()
	assert.Equal(t, "closed", stats.CircuitBreakerState)
	assert.Zero(t, stats.CircuitBreakerFailures)
	assert.Equal(t, 1000.0, stats.RateLimitCapacity)
	assert.Equal(t, 1, stats.TrackedJobs)
	assert.Equal(t, 4, stats.Config.Concurrency)
	assert.Equal(t, 8, stats.Config.BatchChunkSize)
	assert.Equal(t, "150ms", stats.Config.ChunkDelay)
	assert.Equal(t, 2, stats.Config.MaxRetries)
	assert.Zero(t, stats.InFlight)
}

func TestQueue_Shutdown(t *testing.T) {
	h := newHarness(t, fastConfig(), circuit.DefaultConfig())

	release := make(chan struct{})
	job, err := h.queue.Submit(makeItems(2), func(ctx context.Context, item Item) (any, error) {
		<-release
		return nil, nil
	})
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		close(release)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.queue.Shutdown(ctx))
	assert.Equal(t, models.StatusCompleted, job.Status())

	_, err = h.queue.Submit(makeItems(1), func(context.Context, Item) (any, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrQueueClosed)
	assert.ErrorIs(t, h.queue.SubmitTo(job, nil, func(context.Context, Item) (any, error) { return nil, nil }), ErrQueueClosed)
}

func TestQueue_NilTask(t *testing.T) {
	h := newHarness(t, fastConfig(), circuit.DefaultConfig())
	_, err := h.queue.Submit(makeItems(1), nil)
	assert.ErrorIs(t, err, ErrNilTask)
	assert.Zero(t, h.tracker.Len())
}
