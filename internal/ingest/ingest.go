// Package ingest validates uploaded files and turns each stored upload into a
// queue task: read it, send it to the extractor, persist the document.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"docbatch/internal/extract"
	"docbatch/internal/models"
	"docbatch/internal/queue"
)

var (
	ErrUnsupportedExtension = errors.New("unsupported file type")
	ErrFileTooLarge         = errors.New("file too large")
)

// Rules are the upload acceptance limits.
type Rules struct {
	AllowedExtensions []string
	MaxFileSize       int64
}

// Validate checks one upload against the rules.
func (r Rules) Validate(filename string, size int64) error {
	ext := strings.ToLower(filepath.Ext(filename))
	allowed := false
	for _, e := range r.AllowedExtensions {
		if strings.EqualFold(e, ext) {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: %q (allowed: %s)", ErrUnsupportedExtension, ext, strings.Join(r.AllowedExtensions, ", "))
	}
	if r.MaxFileSize > 0 && size > r.MaxFileSize {
		return fmt.Errorf("%w: %d bytes exceeds the %d MB limit", ErrFileTooLarge, size, r.MaxFileSize>>20)
	}
	return nil
}

// FileItem is one stored upload waiting to be processed.
type FileItem struct {
	BatchID  string
	Filename string
	Path     string
}

// Label implements queue.Item.
func (f FileItem) Label() string { return f.Filename }

// Extractor is the extraction provider.
type Extractor interface {
	Extract(ctx context.Context, filename string, content []byte) (*extract.Result, error)
}

// Store reads and removes stored uploads.
type Store interface {
	Save(filename string, r io.Reader) (string, error)
	Read(path string) ([]byte, error)
	Delete(path string) error
}

// Documents persists extraction results.
type Documents interface {
	InsertDocument(ctx context.Context, doc *models.Document) error
}

// Processor runs uploads through extraction and persistence.
type Processor struct {
	rules     Rules
	extractor Extractor
	store     Store
	docs      Documents
	now       func() time.Time
	logger    zerolog.Logger
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger sets the processor logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithClock replaces the wall clock used for document timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

// NewProcessor creates a processor.
func NewProcessor(rules Rules, extractor Extractor, store Store, docs Documents, opts ...Option) *Processor {
	p := &Processor{
		rules:     rules,
		extractor: extractor,
		store:     store,
		docs:      docs,
		now:       time.Now,
		logger:    zerolog.Nop(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Rules returns the upload acceptance limits.
func (p *Processor) Rules() Rules {
	return p.rules
}

// Stage validates an upload and stores it for batchID. Rejected uploads are
// never written.
func (p *Processor) Stage(batchID, filename string, size int64, r io.Reader) (FileItem, error) {
	if err := p.rules.Validate(filename, size); err != nil {
		return FileItem{}, err
	}
	path, err := p.store.Save(filename, r)
	if err != nil {
		return FileItem{}, fmt.Errorf("store upload: %w", err)
	}
	return FileItem{BatchID: batchID, Filename: filename, Path: path}, nil
}

// Process is the queue.Task of an upload. Each successful call writes exactly
// one document record; the stored file is kept until the item settles.
func (p *Processor) Process(ctx context.Context, item queue.Item) (any, error) {
	f, ok := item.(FileItem)
	if !ok {
		return nil, fmt.Errorf("unexpected item type %T", item)
	}

	content, err := p.store.Read(f.Path)
	if err != nil {
		return nil, fmt.Errorf("read upload %s: %w", f.Filename, err)
	}

	res, err := p.extractor.Extract(ctx, f.Filename, content)
	if err != nil {
		return nil, err
	}

	doc := &models.Document{
		ID:         uuid.NewString(),
		BatchID:    f.BatchID,
		Filename:   f.Filename,
		FilePath:   f.Path,
		Fields:     res.Fields,
		RawText:    res.RawText,
		Confidence: res.Confidence,
		CreatedAt:  p.now(),
	}
	if err := p.docs.InsertDocument(ctx, doc); err != nil {
		return nil, fmt.Errorf("save document %s: %w", f.Filename, err)
	}

	p.logger.Debug().
		Str("job_id", f.BatchID).
		Str("document_id", doc.ID).
		Str("item", f.Filename).
		Float64("confidence", doc.Confidence).
		Msg("document extracted")

	return models.DocumentResult{
		DocumentID: doc.ID,
		Filename:   doc.Filename,
		Confidence: doc.Confidence,
		Fields:     doc.Fields,
	}, nil
}

// Cleanup is the queue failure hook: the stored upload of a failed item is
// deleted.
func (p *Processor) Cleanup(item queue.Item, cause error) {
	f, ok := item.(FileItem)
	if !ok || f.Path == "" {
		return
	}
	if err := p.store.Delete(f.Path); err != nil {
		p.logger.Warn().Err(err).Str("item", f.Filename).Msg("failed to delete upload")
		return
	}
	p.logger.Debug().Str("item", f.Filename).AnErr("cause", cause).Msg("deleted upload of failed item")
}
