package tracker

import (
	"math"
	"sync"
	"time"

	"docbatch/internal/models"
)

// Job is the progress record of one batch. All fields are guarded by mu and
// only the Tracker mutates them.
type Job struct {
	mu sync.Mutex

	id          string
	total       int
	processed   int
	successful  int
	failed      int
	status      models.BatchStatus
	createdAt   time.Time
	completedAt time.Time
	cancelled   bool
	errors      []models.ErrorRecord
	results     []any
}

// ID returns the job identifier.
func (j *Job) ID() string {
	return j.id
}

// Total returns the number of items the job expects.
func (j *Job) Total() int {
	return j.total
}

// Status returns the current status.
func (j *Job) Status() models.BatchStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Cancelled reports whether the job was cancelled.
func (j *Job) Cancelled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelled
}

// Done reports whether every item has been recorded.
func (j *Job) Done() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.processed >= j.total
}

// View returns a snapshot of the status fields.
func (j *Job) View() models.BatchStatusView {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.viewLocked()
}

// ResultsView returns the status snapshot plus every successful result.
func (j *Job) ResultsView() models.BatchResultsView {
	j.mu.Lock()
	defer j.mu.Unlock()

	results := make([]any, len(j.results))
	copy(results, j.results)
	return models.BatchResultsView{
		BatchStatusView: j.viewLocked(),
		Results:         results,
	}
}

func (j *Job) viewLocked() models.BatchStatusView {
	errs := make([]models.ErrorRecord, len(j.errors))
	copy(errs, j.errors)

	var completedAt *time.Time
	if !j.completedAt.IsZero() {
		t := j.completedAt
		completedAt = &t
	}

	return models.BatchStatusView{
		ID:              j.id,
		Total:           j.total,
		Processed:       j.processed,
		Successful:      j.successful,
		Failed:          j.failed,
		ProgressPercent: progressPercent(j.processed, j.total),
		Status:          j.status,
		CreatedAt:       j.createdAt,
		CompletedAt:     completedAt,
		Errors:          errs,
		Cancelled:       j.cancelled,
	}
}

func progressPercent(processed, total int) float64 {
	if total <= 0 {
		return 0
	}
	p := float64(processed) / float64(total) * 100
	return math.Round(p*10) / 10
}
