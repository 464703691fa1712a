package models

import "time"

// BatchStatus is the lifecycle state of a batch job.
type BatchStatus string

// Status constants
const (
	StatusPending    BatchStatus = "pending"
	StatusProcessing BatchStatus = "processing"
	StatusCompleted  BatchStatus = "completed"
	StatusPartial    BatchStatus = "partial" // some succeeded, some failed
	StatusFailed     BatchStatus = "failed"
)

// Terminal reports whether no further status change is possible.
func (s BatchStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusPartial || s == StatusFailed
}

// ErrorRecord is one failed item kept in a job's bounded error list.
type ErrorRecord struct {
	Filename string `json:"filename"`
	Error    string `json:"error"`
}

// TaskOutcome is the result of processing one item, folded into its job.
type TaskOutcome struct {
	Success bool
	Result  any
	Error   string
	Label   string
}

// BatchStatusView is the status query response for a batch job.
type BatchStatusView struct {
	ID              string        `json:"id"`
	Total           int           `json:"total"`
	Processed       int           `json:"processed"`
	Successful      int           `json:"successful"`
	Failed          int           `json:"failed"`
	ProgressPercent float64       `json:"progress_percent"`
	Status          BatchStatus   `json:"status"`
	CreatedAt       time.Time     `json:"created_at"`
	CompletedAt     *time.Time    `json:"completed_at"`
	Errors          []ErrorRecord `json:"errors"`
	Cancelled       bool          `json:"cancelled,omitempty"`
}

// BatchResultsView is the status view plus every successful result.
type BatchResultsView struct {
	BatchStatusView
	Results []any `json:"results"`
}

// BatchSubmitResponse is returned when a bulk upload is accepted.
type BatchSubmitResponse struct {
	JobID            string        `json:"job_id"`
	Total            int           `json:"total"`
	Queued           int           `json:"queued"`
	ValidationErrors int           `json:"validation_errors"`
	Errors           []ErrorRecord `json:"errors"`
	Message          string        `json:"message"`
}

// SingleSubmitResponse is returned when a single-file upload is accepted.
type SingleSubmitResponse struct {
	JobID    string      `json:"job_id"`
	Filename string      `json:"filename"`
	Status   BatchStatus `json:"status"`
	Message  string      `json:"message"`
}

// UploadResult is the outcome of one synchronously processed file. ID is the
// stored document id and is empty when processing failed.
type UploadResult struct {
	ID         string      `json:"id,omitempty"`
	Filename   string      `json:"filename"`
	Status     BatchStatus `json:"status"`
	Message    string      `json:"message"`
	Confidence float64     `json:"confidence,omitempty"`
}

// BulkUploadResponse is returned by the synchronous bulk upload.
type BulkUploadResponse struct {
	Total      int            `json:"total"`
	Successful int            `json:"successful"`
	Failed     int            `json:"failed"`
	Uploads    []UploadResult `json:"uploads"`
}

// QueueConfigView echoes the queue settings in stats responses.
type QueueConfigView struct {
	Concurrency       int    `json:"concurrency"`
	RequestsPerMinute int    `json:"requests_per_minute"`
	BurstCapacity     int    `json:"burst_capacity"`
	BatchChunkSize    int    `json:"batch_chunk_size"`
	ChunkDelay        string `json:"chunk_delay"`
	MaxBulkFiles      int    `json:"max_bulk_files"`
	MaxSyncFiles      int    `json:"max_sync_files"`
	MaxRetries        int    `json:"max_retries"`
}

// QueueStats holds operational metrics for monitoring.
type QueueStats struct {
	CircuitBreakerState    string          `json:"circuit_breaker_state"`
	CircuitBreakerFailures int             `json:"circuit_breaker_failures"`
	RateLimitTokens        float64         `json:"rate_limit_tokens"`
	RateLimitCapacity      float64         `json:"rate_limit_capacity"`
	InFlight               int64           `json:"in_flight"`
	ActiveBatches          int64           `json:"active_batches"`
	TrackedJobs            int             `json:"tracked_jobs"`
	Config                 QueueConfigView `json:"config"`
}

// Document is an extraction result persisted in the record store.
type Document struct {
	ID         string         `json:"id"`
	BatchID    string         `json:"batch_id"`
	Filename   string         `json:"filename"`
	FilePath   string         `json:"file_path"`
	Fields     map[string]any `json:"fields"`
	RawText    string         `json:"raw_text,omitempty"`
	Confidence float64        `json:"confidence"`
	CreatedAt  time.Time      `json:"created_at"`
}

// DocumentResult is the per-item result stored in a batch job.
type DocumentResult struct {
	DocumentID string         `json:"document_id"`
	Filename   string         `json:"filename"`
	Confidence float64        `json:"confidence"`
	Fields     map[string]any `json:"fields"`
}

// ProgressEvent is pushed to websocket subscribers.
type ProgressEvent struct {
	Type  string          `json:"type"`
	Batch BatchStatusView `json:"batch"`
}
