package ingest

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docbatch/internal/extract"
	"docbatch/internal/models"
	"docbatch/internal/storage"
)

var testRules = Rules{
	AllowedExtensions: []string{".pdf", ".png", ".jpg", ".jpeg"},
	MaxFileSize:       10 << 20,
}

type fakeExtractor struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeExtractor) Extract(_ context.Context, filename string, content []byte) (*extract.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, filename)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &extract.Result{
		Fields:     map[string]any{"size": len(content)},
		Confidence: 0.8,
		RawText:    string(content),
	}, nil
}

type fakeDocuments struct {
	mu   sync.Mutex
	docs []*models.Document
	err  error
}

func (f *fakeDocuments) InsertDocument(_ context.Context, doc *models.Document) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	f.docs = append(f.docs, doc)
	f.mu.Unlock()
	return nil
}

func newProcessor(t *testing.T, ex *fakeExtractor, docs *fakeDocuments) (*Processor, *storage.FileStore) {
	t.Helper()
	store, err := storage.NewFileStore(filepath.Join(t.TempDir(), "uploads"))
	require.NoError(t, err)
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	return NewProcessor(testRules, ex, store, docs, WithClock(func() time.Time { return now })), store
}

func TestRules_Validate(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		size     int64
		wantErr  error
	}{
		{"pdf", "invoice.pdf", 1024, nil},
		{"upper case extension", "SCAN.JPG", 1024, nil},
		{"jpeg", "photo.jpeg", 10 << 20, nil},
		{"unsupported", "notes.txt", 10, ErrUnsupportedExtension},
		{"no extension", "README", 10, ErrUnsupportedExtension},
		{"too large", "big.png", 10<<20 + 1, ErrFileTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := testRules.Validate(tt.filename, tt.size)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestProcessor_StageAndProcess(t *testing.T) {
	ex := &fakeExtractor{}
	docs := &fakeDocuments{}
	p, store := newProcessor(t, ex, docs)

	item, err := p.Stage("batch-1", "receipt.png", 5, strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, "receipt.png", item.Label())
	assert.Equal(t, store.Root(), filepath.Dir(item.Path))

	out, err := p.Process(context.Background(), item)
	require.NoError(t, err)

	res, ok := out.(models.DocumentResult)
	require.True(t, ok)
	assert.Equal(t, "receipt.png", res.Filename)
	assert.Equal(t, 0.8, res.Confidence)
	assert.Equal(t, 5, res.Fields["size"])

	require.Len(t, docs.docs, 1)
	doc := docs.docs[0]
	assert.Equal(t, res.DocumentID, doc.ID)
	assert.Equal(t, "batch-1", doc.BatchID)
	assert.Equal(t, "hello", doc.RawText)
	assert.Equal(t, item.Path, doc.FilePath)
	assert.Equal(t, []string{"receipt.png"}, ex.calls)
}

func TestProcessor_StageRejects(t *testing.T) {
	p, store := newProcessor(t, &fakeExtractor{}, &fakeDocuments{})

	_, err := p.Stage("b", "virus.exe", 10, strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrUnsupportedExtension)

	entries, err := filepath.Glob(filepath.Join(store.Root(), "*"))
	require.NoError(t, err)
	assert.Empty(t, entries, "rejected uploads are never written")
}

func TestProcessor_Failures(t *testing.T) {
	t.Run("ExtractorError", func(t *testing.T) {
		boom := errors.New("extractor exploded")
		docs := &fakeDocuments{}
		p, _ := newProcessor(t, &fakeExtractor{err: boom}, docs)
		item, err := p.Stage("b", "a.pdf", 1, strings.NewReader("x"))
		require.NoError(t, err)

		_, err = p.Process(context.Background(), item)
		assert.ErrorIs(t, err, boom)
		assert.Empty(t, docs.docs)
	})

	t.Run("DocumentStoreError", func(t *testing.T) {
		p, _ := newProcessor(t, &fakeExtractor{}, &fakeDocuments{err: errors.New("disk full")})
		item, err := p.Stage("b", "a.pdf", 1, strings.NewReader("x"))
		require.NoError(t, err)

		_, err = p.Process(context.Background(), item)
		assert.ErrorContains(t, err, "disk full")
	})

	t.Run("MissingUpload", func(t *testing.T) {
		ex := &fakeExtractor{}
		p, store := newProcessor(t, ex, &fakeDocuments{})
		_, err := p.Process(context.Background(), FileItem{Filename: "gone.pdf", Path: filepath.Join(store.Root(), "gone.pdf")})
		require.Error(t, err)
		assert.Empty(t, ex.calls)
	})
}

func TestProcessor_Cleanup(t *testing.T) {
	p, store := newProcessor(t, &fakeExtractor{}, &fakeDocuments{})
	item, err := p.Stage("b", "a.pdf", 1, strings.NewReader("x"))
	require.NoError(t, err)

	p.Cleanup(item, errors.New("failed"))

	_, err = store.Read(item.Path)
	assert.Error(t, err)
}
