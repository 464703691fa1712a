package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"docbatch/internal/database"
	"docbatch/internal/ingest"
	"docbatch/internal/models"
	"docbatch/internal/queue"
	"docbatch/internal/tracker"
	"docbatch/internal/websocket"
)

const (
	maxMultipartMemory   = 32 << 20
	defaultDocumentLimit = 100
	maxDocumentLimit     = 500
	maxResponseErrors    = 10
)

// DocumentStore is the read side of the document record store.
type DocumentStore interface {
	GetDocumentByID(ctx context.Context, id string) (*models.Document, error)
	ListDocuments(ctx context.Context, batchID string, limit int) ([]models.Document, error)
	CountDocuments(ctx context.Context) (int, error)
}

// Config holds request limits of the HTTP surface.
type Config struct {
	MaxBulkFiles int
	MaxSyncFiles int
	JobRetention time.Duration
}

// Server holds all HTTP handlers and dependencies
type Server struct {
	cfg       Config
	queue     *queue.Queue
	tracker   *tracker.Tracker
	processor *ingest.Processor
	docs      DocumentStore
	wsManager *websocket.Manager
	upgrader  ws.Upgrader
	logger    zerolog.Logger
}

// NewServer creates a new API server
func NewServer(
	cfg Config,
	q *queue.Queue,
	processor *ingest.Processor,
	docs DocumentStore,
	wsManager *websocket.Manager,
	logger zerolog.Logger,
) *Server {
	if cfg.MaxBulkFiles <= 0 {
		cfg.MaxBulkFiles = 200
	}
	if cfg.MaxSyncFiles <= 0 {
		cfg.MaxSyncFiles = 50
	}
	if cfg.JobRetention <= 0 {
		cfg.JobRetention = 24 * time.Hour
	}
	return &Server{
		cfg:       cfg,
		queue:     q,
		tracker:   q.Tracker(),
		processor: processor,
		docs:      docs,
		wsManager: wsManager,
		upgrader: ws.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// UploadBulk accepts many files as one batch. Files that fail validation are
// recorded as failed items of the same batch; the rest are queued.
func (s *Server) UploadBulk(w http.ResponseWriter, r *http.Request) {
	if err := s.parseMultipart(w, r); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, "no files provided")
		return
	}
	if len(files) > s.cfg.MaxBulkFiles {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("too many files: %d (maximum %d per request)", len(files), s.cfg.MaxBulkFiles))
		return
	}

	job := s.tracker.Create(len(files))
	items := make([]queue.Item, 0, len(files))
	rejected := make([]models.ErrorRecord, 0)

	for _, fh := range files {
		item, err := s.stage(job.ID(), fh)
		if err != nil {
			s.tracker.Record(job, models.TaskOutcome{Error: err.Error(), Label: fh.Filename})
			rejected = append(rejected, models.ErrorRecord{Filename: fh.Filename, Error: err.Error()})
			continue
		}
		items = append(items, item)
	}

	if len(items) > 0 {
		if err := s.enqueue(job, items); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}

	s.logger.Info().
		Str("job_id", job.ID()).
		Int("total", len(files)).
		Int("queued", len(items)).
		Int("rejected", len(rejected)).
		Msg("bulk upload accepted")

	shown := rejected
	if len(shown) > maxResponseErrors {
		shown = shown[:maxResponseErrors]
	}
	writeJSON(w, http.StatusAccepted, models.BatchSubmitResponse{
		JobID:            job.ID(),
		Total:            len(files),
		Queued:           len(items),
		ValidationErrors: len(rejected),
		Errors:           shown,
		Message: fmt.Sprintf("Batch queued: %d files processing, %d rejected. Poll /api/batch/%s/status for progress.",
			len(items), len(rejected), job.ID()),
	})
}

// UploadSingle queues one file as a one-item batch.
func (s *Server) UploadSingle(w http.ResponseWriter, r *http.Request) {
	if err := s.parseMultipart(w, r); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	files := r.MultipartForm.File["file"]
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, "no file provided")
		return
	}
	fh := files[0]
	if err := s.processor.Rules().Validate(fh.Filename, fh.Size); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job := s.tracker.Create(1)
	item, err := s.stage(job.ID(), fh)
	if err != nil {
		s.tracker.Record(job, models.TaskOutcome{Error: err.Error(), Label: fh.Filename})
		s.logger.Error().Err(err).Str("job_id", job.ID()).Str("item", fh.Filename).Msg("failed to store upload")
		writeError(w, http.StatusInternalServerError, "failed to store upload")
		return
	}
	if err := s.enqueue(job, []queue.Item{item}); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	s.logger.Info().Str("job_id", job.ID()).Str("item", fh.Filename).Msg("single upload accepted")

	writeJSON(w, http.StatusAccepted, models.SingleSubmitResponse{
		JobID:    job.ID(),
		Filename: fh.Filename,
		Status:   models.StatusProcessing,
		Message:  fmt.Sprintf("File queued. Poll /api/batch/%s/status for progress.", job.ID()),
	})
}

func (s *Server) parseMultipart(w http.ResponseWriter, r *http.Request) error {
	limit := s.processor.Rules().MaxFileSize*int64(s.cfg.MaxBulkFiles) + maxMultipartMemory
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		return fmt.Errorf("invalid multipart upload: %w", err)
	}
	return nil
}

func (s *Server) stage(batchID string, fh *multipart.FileHeader) (ingest.FileItem, error) {
	if err := s.processor.Rules().Validate(fh.Filename, fh.Size); err != nil {
		return ingest.FileItem{}, err
	}
	f, err := fh.Open()
	if err != nil {
		return ingest.FileItem{}, fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()
	return s.processor.Stage(batchID, fh.Filename, fh.Size, f)
}

// enqueue hands items to the queue. If the queue refuses them they are
// recorded as failed so the batch still completes.
func (s *Server) enqueue(job *tracker.Job, items []queue.Item) error {
	err := s.queue.SubmitTo(job, items, s.processor.Process, queue.WithFailureHook(s.processor.Cleanup))
	if err == nil {
		return nil
	}
	for _, item := range items {
		s.tracker.Record(job, models.TaskOutcome{Error: err.Error(), Label: item.Label()})
		s.processor.Cleanup(item, err)
	}
	s.logger.Warn().Err(err).Str("job_id", job.ID()).Msg("batch rejected by queue")
	return err
}

// GetBatchStatus returns batch progress
func (s *Server) GetBatchStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.tracker.Status(r.PathValue("id"))
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GetBatchResults returns batch progress plus every successful result
func (s *Server) GetBatchResults(w http.ResponseWriter, r *http.Request) {
	view, err := s.tracker.Results(r.PathValue("id"))
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	if view.Results == nil {
		view.Results = []any{}
	}
	writeJSON(w, http.StatusOK, view)
}

// CancelBatch marks a batch as failed. Items already running are not
// interrupted; items not yet started are skipped.
func (s *Server) CancelBatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	before, err := s.tracker.Status(id)
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	if before.Status.Terminal() {
		writeJSON(w, http.StatusOK, map[string]any{
			"message": fmt.Sprintf("Batch already finished with status %s", before.Status),
			"batch":   before,
		})
		return
	}

	view, err := s.tracker.Cancel(id)
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	s.logger.Info().Str("job_id", id).Int("processed", view.Processed).Msg("batch cancelled by request")

	message := "Batch cancelled"
	if !view.Cancelled {
		message = fmt.Sprintf("Batch already finished with status %s", view.Status)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": message,
		"batch":   view,
	})
}

// GetQueueStats returns queue, limiter and breaker state
func (s *Server) GetQueueStats(w http.ResponseWriter, r *http.Request) {
	stats := s.queue.Stats()
	stats.Config.MaxBulkFiles = s.cfg.MaxBulkFiles
	stats.Config.MaxSyncFiles = s.cfg.MaxSyncFiles
	writeJSON(w, http.StatusOK, stats)
}

// SweepJobs removes finished batches older than max_age
func (s *Server) SweepJobs(w http.ResponseWriter, r *http.Request) {
	maxAge := s.cfg.JobRetention
	if raw := r.URL.Query().Get("max_age"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "max_age must be a non-negative duration such as 24h")
			return
		}
		maxAge = d
	}

	removed := s.tracker.Sweep(maxAge)
	writeJSON(w, http.StatusOK, map[string]any{
		"removed": removed,
		"max_age": maxAge.String(),
	})
}

// ListDocuments returns stored documents, optionally for one batch
func (s *Server) ListDocuments(w http.ResponseWriter, r *http.Request) {
	limit := defaultDocumentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxDocumentLimit)
	}

	docs, err := s.docs.ListDocuments(r.Context(), r.URL.Query().Get("batch_id"), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to query documents")
		writeError(w, http.StatusInternalServerError, "failed to fetch documents")
		return
	}
	writeJSON(w, http.StatusOK, docs)
}

// GetDocument returns one stored document
func (s *Server) GetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.docs.GetDocumentByID(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// HandleWebSocket handles WebSocket connections
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	s.wsManager.AddClient(conn)
}

// Health reports liveness
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	count, err := s.docs.CountDocuments(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("health check: document store unavailable")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "degraded",
			"error":  "document store unavailable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"documents":         count,
		"tracked_jobs":      s.tracker.Len(),
		"websocket_clients": s.wsManager.ClientCount(),
	})
}

// SetupRoutes sets up all HTTP routes
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/upload/single", s.UploadSingleSync)
	mux.HandleFunc("POST /api/upload/bulk", s.UploadBulkSync)
	mux.HandleFunc("POST /api/upload/bulk/async", s.UploadBulk)
	mux.HandleFunc("POST /api/upload/async/single", s.UploadSingle)

	mux.HandleFunc("GET /api/batch/{id}/status", s.GetBatchStatus)
	mux.HandleFunc("GET /api/batch/{id}/results", s.GetBatchResults)
	mux.HandleFunc("DELETE /api/batch/{id}", s.CancelBatch)

	mux.HandleFunc("GET /api/queue/stats", s.GetQueueStats)
	mux.HandleFunc("POST /api/queue/sweep", s.SweepJobs)

	mux.HandleFunc("GET /api/documents", s.ListDocuments)
	mux.HandleFunc("GET /api/documents/{id}", s.GetDocument)

	mux.HandleFunc("GET /ws", s.HandleWebSocket)
	mux.HandleFunc("GET /healthz", s.Health)
}

func (s *Server) writeLookupError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tracker.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "Batch job not found")
	case errors.Is(err, database.ErrDocumentNotFound):
		writeError(w, http.StatusNotFound, "Document not found")
	default:
		s.logger.Error().Err(err).Msg("lookup failed")
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
