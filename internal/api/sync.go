package api

import (
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"

	"golang.org/x/sync/errgroup"

	"docbatch/internal/extract"
	"docbatch/internal/ingest"
	"docbatch/internal/models"
	"docbatch/internal/retry"
)

// UploadSingleSync processes one file within the request and returns the
// stored document id.
func (s *Server) UploadSingleSync(w http.ResponseWriter, r *http.Request) {
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

	res, err := s.processSync(r.Context(), files[0])
	if err != nil {
		writeError(w, failureStatus(err), res.Message)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// UploadBulkSync processes up to MaxSyncFiles files within the request.
// Files run concurrently through the shared limiter and admission gate; a
// failed file never affects the others.
func (s *Server) UploadBulkSync(w http.ResponseWriter, r *http.Request) {
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
	if len(files) > s.cfg.MaxSyncFiles {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("maximum %d files for sync upload, use /api/upload/bulk/async for larger batches", s.cfg.MaxSyncFiles))
		return
	}

	uploads := make([]models.UploadResult, len(files))
	var g errgroup.Group
	for i, fh := range files {
		g.Go(func() error {
			uploads[i], _ = s.processSync(r.Context(), fh)
			return nil
		})
	}
	_ = g.Wait()

	resp := models.BulkUploadResponse{Total: len(uploads), Uploads: uploads}
	for _, u := range uploads {
		if u.Status == models.StatusCompleted {
			resp.Successful++
		} else {
			resp.Failed++
		}
	}

	s.logger.Info().
		Int("total", resp.Total).
		Int("successful", resp.Successful).
		Int("failed", resp.Failed).
		Msg("sync bulk upload processed")

	writeJSON(w, http.StatusOK, resp)
}

// processSync validates, stores and processes one upload. On failure the
// stored file is removed and the returned result carries the message.
func (s *Server) processSync(ctx context.Context, fh *multipart.FileHeader) (models.UploadResult, error) {
	failed := func(err error) (models.UploadResult, error) {
		return models.UploadResult{
			Filename: fh.Filename,
			Status:   models.StatusFailed,
			Message:  err.Error(),
		}, err
	}

	item, err := s.stage("", fh)
	if err != nil {
		return failed(err)
	}

	out, err := s.queue.ProcessWithLimit(ctx, item, s.processor.Process)
	if err != nil {
		s.processor.Cleanup(item, err)
		s.logger.Warn().Err(err).Str("item", fh.Filename).Msg("sync upload failed")
		return failed(err)
	}

	doc, ok := out.(models.DocumentResult)
	if !ok {
		return failed(fmt.Errorf("unexpected result type %T", out))
	}
	return models.UploadResult{
		ID:         doc.DocumentID,
		Filename:   doc.Filename,
		Status:     models.StatusCompleted,
		Message:    "Document processed",
		Confidence: doc.Confidence,
	}, nil
}

func failureStatus(err error) int {
	var se *extract.StatusError
	switch {
	case errors.Is(err, ingest.ErrUnsupportedExtension), errors.Is(err, ingest.ErrFileTooLarge):
		return http.StatusBadRequest
	case errors.Is(err, retry.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	case extract.IsStatus(err, http.StatusTooManyRequests):
		return http.StatusTooManyRequests
	case errors.As(err, &se):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusUnprocessableEntity
	}
}
