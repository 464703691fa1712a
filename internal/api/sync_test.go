package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docbatch/internal/extract"
	"docbatch/internal/ingest"
	"docbatch/internal/models"
	"docbatch/internal/retry"
)

func TestUploadSingleSync(t *testing.T) {
	ex := &stubExtractor{fail: map[string]error{
		"busy.pdf": &extract.StatusError{StatusCode: http.StatusTooManyRequests, Body: "slow down"},
	}}
	env := newTestEnv(t, ex, 10)

	resp := env.upload(t, "/api/upload/single", "file", map[string]string{"scan.png": "pixels"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decode[models.UploadResult](t, resp)
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, "scan.png", res.Filename)
	assert.Equal(t, models.StatusCompleted, res.Status)
	assert.Equal(t, 0.75, res.Confidence)

	doc := decode[models.Document](t, env.do(t, http.MethodGet, "/api/documents/"+res.ID))
	assert.Equal(t, "scan.png", doc.Filename)
	assert.Zero(t, env.tracker.Len(), "sync uploads create no batch job")

	t.Run("Invalid", func(t *testing.T) {
		resp := env.upload(t, "/api/upload/single", "file", map[string]string{"notes.txt": "x"})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		body := decode[map[string]string](t, resp)
		assert.Contains(t, body["error"], "unsupported file type")
	})

	t.Run("ProviderRateLimited", func(t *testing.T) {
		resp := env.upload(t, "/api/upload/single", "file", map[string]string{"busy.pdf": "x"})
		assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

		stored, err := filepath.Glob(filepath.Join(env.store.Root(), "*_busy.pdf"))
		require.NoError(t, err)
		assert.Empty(t, stored, "failed upload is removed")
	})
}

func TestUploadBulkSync(t *testing.T) {
	ex := &stubExtractor{fail: map[string]error{"broken.pdf": errors.New("unreadable document")}}
	env := newTestEnv(t, ex, 10)

	resp := env.upload(t, "/api/upload/bulk", "files", map[string]string{
		"a.pdf":      "1",
		"b.png":      "2",
		"notes.txt":  "3",
		"broken.pdf": "4",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[models.BulkUploadResponse](t, resp)

	assert.Equal(t, 4, body.Total)
	assert.Equal(t, 2, body.Successful)
	assert.Equal(t, 2, body.Failed)
	require.Len(t, body.Uploads, 4)

	byName := map[string]models.UploadResult{}
	for _, u := range body.Uploads {
		byName[u.Filename] = u
	}
	assert.Equal(t, models.StatusCompleted, byName["a.pdf"].Status)
	assert.NotEmpty(t, byName["a.pdf"].ID)
	assert.Equal(t, models.StatusCompleted, byName["b.png"].Status)
	assert.Equal(t, models.StatusFailed, byName["notes.txt"].Status)
	assert.Contains(t, byName["notes.txt"].Message, "unsupported file type")
	assert.Equal(t, models.StatusFailed, byName["broken.pdf"].Status)
	assert.Empty(t, byName["broken.pdf"].ID)
	assert.Equal(t, "unreadable document", byName["broken.pdf"].Message)

	docs := decode[[]models.Document](t, env.do(t, http.MethodGet, "/api/documents"))
	assert.Len(t, docs, 2)

	t.Run("OverSyncLimit", func(t *testing.T) {
		files := map[string]string{}
		for i := 0; i < 51; i++ {
			files[fmt.Sprintf("f%02d.pdf", i)] = "x"
		}
		resp := env.upload(t, "/api/upload/bulk", "files", files)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		body := decode[map[string]string](t, resp)
		assert.Contains(t, body["error"], "maximum 50 files")
	})
}

func TestFailureStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"unsupported", fmt.Errorf("%w: .txt", ingest.ErrUnsupportedExtension), http.StatusBadRequest},
		{"too large", fmt.Errorf("%w: 11 MB", ingest.ErrFileTooLarge), http.StatusBadRequest},
		{"circuit open", retry.ErrCircuitOpen, http.StatusServiceUnavailable},
		{"provider 429", &extract.StatusError{StatusCode: http.StatusTooManyRequests}, http.StatusTooManyRequests},
		{"provider 500", &extract.StatusError{StatusCode: http.StatusInternalServerError}, http.StatusBadGateway},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"other", errors.New("unreadable document"), http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, failureStatus(tt.err))
		})
	}
}

