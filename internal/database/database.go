package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"docbatch/internal/models"
)

// ErrDocumentNotFound is returned when no document has the requested id.
var ErrDocumentNotFound = errors.New("document not found")

// DB wraps the SQL database with helper methods
type DB struct {
	*sql.DB
}

// New creates a new database connection
func New(dataSourceName string) (*DB, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, err
	}
	// sqlite serializes writers; one connection avoids "database is locked".
	db.SetMaxOpenConns(1)
	return &DB{db}, nil
}

// InitSchema initializes the database schema
func (db *DB) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		batch_id TEXT NOT NULL,
		filename TEXT NOT NULL,
		file_path TEXT,
		fields TEXT NOT NULL,
		raw_text TEXT,
		confidence REAL NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_documents_batch ON documents(batch_id);
	CREATE INDEX IF NOT EXISTS idx_documents_created ON documents(created_at);
	`

	_, err := db.Exec(schema)
	return err
}

// InsertDocument stores one extraction result
func (db *DB) InsertDocument(ctx context.Context, doc *models.Document) error {
	fields, err := json.Marshal(doc.Fields)
	if err != nil {
		return fmt.Errorf("encode fields: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO documents (id, batch_id, filename, file_path, fields, raw_text, confidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, doc.ID, doc.BatchID, doc.Filename, nullString(doc.FilePath), string(fields),
		nullString(doc.RawText), doc.Confidence, doc.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert document %s: %w", doc.ID, err)
	}
	return nil
}

// GetDocumentByID retrieves a document by its ID
func (db *DB) GetDocumentByID(ctx context.Context, id string) (*models.Document, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, batch_id, filename, file_path, fields, raw_text, confidence, created_at
		FROM documents WHERE id = ?
	`, id)

	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// ListDocuments retrieves documents, optionally restricted to one batch
func (db *DB) ListDocuments(ctx context.Context, batchID string, limit int) ([]models.Document, error) {
	query := `SELECT id, batch_id, filename, file_path, fields, raw_text, confidence, created_at
	          FROM documents WHERE 1=1`
	args := []interface{}{}

	if batchID != "" {
		query += " AND batch_id = ?"
		args = append(args, batchID)
	}

	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanDocuments(rows)
}

// CountDocuments returns the number of stored documents
func (db *DB) CountDocuments(ctx context.Context) (int, error) {
	var count int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents").Scan(&count)
	return count, err
}

// Helper functions

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(s scanner) (*models.Document, error) {
	var doc models.Document
	var filePath, rawText sql.NullString
	var fields string

	err := s.Scan(&doc.ID, &doc.BatchID, &doc.Filename, &filePath, &fields,
		&rawText, &doc.Confidence, &doc.CreatedAt)
	if err != nil {
		return nil, err
	}

	if filePath.Valid {
		doc.FilePath = filePath.String
	}
	if rawText.Valid {
		doc.RawText = rawText.String
	}
	if err := json.Unmarshal([]byte(fields), &doc.Fields); err != nil {
		return nil, fmt.Errorf("decode fields of %s: %w", doc.ID, err)
	}
	return &doc, nil
}

func scanDocuments(rows *sql.Rows) ([]models.Document, error) {
	docs := []models.Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *doc)
	}
	return docs, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: s, Valid: true}
}
