// Package store provides the SQLite implementation of the Store interface.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/kioku/internal/errs"
	"github.com/hyperjump/kioku/internal/models"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	hooks []func(workbookPath string)
}

// NewSQLiteStore opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS workbooks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		path TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		content_hash TEXT NOT NULL DEFAULT '',
		dimensions INTEGER NOT NULL,
		embedding_model TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS chunks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		workbook_id INTEGER NOT NULL,
		version INTEGER NOT NULL,
		chunk_index INTEGER NOT NULL,
		content TEXT NOT NULL,
		markdown TEXT NOT NULL,
		metadata TEXT,
		embedding BLOB NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (workbook_id) REFERENCES workbooks(id) ON DELETE CASCADE,
		UNIQUE (workbook_id, version, chunk_index)
	);

	CREATE INDEX IF NOT EXISTS idx_chunks_workbook_version ON chunks(workbook_id, version);
	`
	_, err := db.Exec(schema)
	return err
}

// OnChange registers a hook invoked after a successful version write or workbook
// delete, with the affected workbook path. Used by the index builder for cache
// invalidation. Hooks must be registered before concurrent use begins.
func (s *SQLiteStore) OnChange(fn func(workbookPath string)) {
	s.hooks = append(s.hooks, fn)
}

func (s *SQLiteStore) notifyChange(workbookPath string) {
	for _, fn := range s.hooks {
		fn(workbookPath)
	}
}

// PutVersion writes one complete version of chunks and vectors in a single transaction.
// Either every chunk of the version is durably written, or none are.
func (s *SQLiteStore) PutVersion(ctx context.Context, workbookPath string, vectors [][]float32, chunks []models.ChunkInput, model string, opts PutOptions) (int64, int64, error) {
	mode := opts.Mode
	if mode == "" {
		mode = models.AppendNewVersion
	}
	if mode != models.AppendNewVersion && mode != models.OverwriteLatest {
		return 0, 0, fmt.Errorf("%w: unknown write mode %q", errs.ErrValidation, mode)
	}
	if len(vectors) != len(chunks) {
		return 0, 0, fmt.Errorf("%w: %d vectors for %d chunks", errs.ErrValidation, len(vectors), len(chunks))
	}
	if len(chunks) == 0 {
		return 0, 0, fmt.Errorf("%w: a version must contain at least one chunk", errs.ErrValidation)
	}
	dim := len(vectors[0])
	if dim == 0 {
		return 0, 0, fmt.Errorf("%w: zero-dimension vector", errs.ErrValidation)
	}
	for i, v := range vectors {
		if len(v) != dim {
			return 0, 0, fmt.Errorf("%w: vector %d has dimension %d, batch has %d", errs.ErrValidation, i, len(v), dim)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: begin transaction: %w", errs.ErrStorageIO, err)
	}
	defer tx.Rollback()

	now := time.Now()
	// Upsert first so the write lock is acquired before the version read;
	// concurrent writers then serialize and never compute the same version.
	_, err = tx.ExecContext(ctx,
		`INSERT INTO workbooks (path, name, content_hash, dimensions, embedding_model, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET
			content_hash = CASE WHEN excluded.content_hash != '' THEN excluded.content_hash ELSE workbooks.content_hash END,
			embedding_model = excluded.embedding_model,
			updated_at = excluded.updated_at`,
		workbookPath, filepath.Base(workbookPath), opts.ContentHash, dim, model, now, now,
	)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: upsert workbook: %w", errs.ErrStorageIO, err)
	}

	var workbookID int64
	var declaredDim int
	err = tx.QueryRowContext(ctx, `SELECT id, dimensions FROM workbooks WHERE path = ?`, workbookPath).
		Scan(&workbookID, &declaredDim)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: read workbook: %w", errs.ErrStorageIO, err)
	}
	if declaredDim != dim {
		return 0, 0, fmt.Errorf("%w: workbook %s declares dimension %d, batch has %d",
			errs.ErrValidation, workbookPath, declaredDim, dim)
	}

	var latest sql.NullInt64
	err = tx.QueryRowContext(ctx, `SELECT MAX(version) FROM chunks WHERE workbook_id = ?`, workbookID).
		Scan(&latest)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: read latest version: %w", errs.ErrStorageIO, err)
	}

	version := latest.Int64 + 1
	if mode == models.OverwriteLatest && latest.Valid {
		version = latest.Int64
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM chunks WHERE workbook_id = ? AND version = ?`, workbookID, version); err != nil {
			return 0, 0, fmt.Errorf("%w: clear latest version: %w", errs.ErrStorageIO, err)
		}
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO chunks (workbook_id, version, chunk_index, content, markdown, metadata, embedding, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: prepare chunk insert: %w", errs.ErrStorageIO, err)
	}
	defer stmt.Close()

	for i, chunk := range chunks {
		metadataJSON, err := json.Marshal(chunk.Metadata)
		if err != nil {
			return 0, 0, fmt.Errorf("%w: marshal metadata for chunk %d: %v", errs.ErrValidation, i, err)
		}
		if _, err := stmt.ExecContext(ctx,
			workbookID, version, i, chunk.Content, chunk.Markdown, string(metadataJSON), encodeVector(vectors[i]), now,
		); err != nil {
			return 0, 0, fmt.Errorf("%w: insert chunk %d: %w", errs.ErrStorageIO, i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("%w: commit version: %w", errs.ErrStorageIO, err)
	}
	s.notifyChange(workbookPath)
	return workbookID, version, nil
}

// GetVersion returns the chunks of one version in chunk_index order.
// A nil version resolves to the latest version with at least one chunk row.
func (s *SQLiteStore) GetVersion(ctx context.Context, workbookPath string, version *int64, mode models.TextMode) ([]models.ChunkRecord, error) {
	var workbookID int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM workbooks WHERE path = ?`, workbookPath).Scan(&workbookID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: workbook %s", errs.ErrNotFound, workbookPath)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read workbook: %w", errs.ErrStorageIO, err)
	}

	var ver int64
	if version != nil {
		ver = *version
	} else {
		var latest sql.NullInt64
		if err := s.db.QueryRowContext(ctx,
			`SELECT MAX(version) FROM chunks WHERE workbook_id = ?`, workbookID).Scan(&latest); err != nil {
			return nil, fmt.Errorf("%w: read latest version: %w", errs.ErrStorageIO, err)
		}
		if !latest.Valid {
			return nil, fmt.Errorf("%w: workbook %s has no chunks", errs.ErrNotFound, workbookPath)
		}
		ver = latest.Int64
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workbook_id, version, chunk_index, content, markdown, metadata, embedding, created_at
		 FROM chunks WHERE workbook_id = ? AND version = ? ORDER BY chunk_index`,
		workbookID, ver,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: query chunks: %w", errs.ErrStorageIO, err)
	}
	defer rows.Close()

	var records []models.ChunkRecord
	for rows.Next() {
		rec, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		rec.WorkbookPath = workbookPath
		applyTextMode(rec, mode)
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: scan chunks: %w", errs.ErrStorageIO, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: workbook %s version %d", errs.ErrNotFound, workbookPath, ver)
	}
	return records, nil
}

// GetChunksByID resolves chunk storage ids back to records, preserving input order.
// Unknown ids are skipped.
func (s *SQLiteStore) GetChunksByID(ctx context.Context, chunkIDs []int64, mode models.TextMode) ([]models.ChunkRecord, error) {
	if len(chunkIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(chunkIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]interface{}, len(chunkIDs))
	for i, id := range chunkIDs {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.workbook_id, c.version, c.chunk_index, c.content, c.markdown, c.metadata, c.embedding, c.created_at, w.path
		 FROM chunks c JOIN workbooks w ON w.id = c.workbook_id
		 WHERE c.id IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: query chunks: %w", errs.ErrStorageIO, err)
	}
	defer rows.Close()

	byID := make(map[int64]models.ChunkRecord, len(chunkIDs))
	for rows.Next() {
		var rec models.ChunkRecord
		var metadataJSON sql.NullString
		var embedding []byte
		if err := rows.Scan(&rec.ID, &rec.WorkbookID, &rec.Version, &rec.ChunkIndex,
			&rec.Content, &rec.Markdown, &metadataJSON, &embedding, &rec.CreatedAt, &rec.WorkbookPath); err != nil {
			return nil, fmt.Errorf("%w: scan chunk: %w", errs.ErrStorageIO, err)
		}
		if metadataJSON.Valid && metadataJSON.String != "" {
			if err := json.Unmarshal([]byte(metadataJSON.String), &rec.Metadata); err != nil {
				return nil, fmt.Errorf("%w: unmarshal metadata: %w", errs.ErrStorageIO, err)
			}
		}
		rec.Embedding = decodeVector(embedding)
		applyTextMode(&rec, mode)
		byID[rec.ID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: scan chunks: %w", errs.ErrStorageIO, err)
	}

	records := make([]models.ChunkRecord, 0, len(byID))
	for _, id := range chunkIDs {
		if rec, ok := byID[id]; ok {
			records = append(records, rec)
		}
	}
	return records, nil
}

// AllLatestVectors returns the vectors and chunk ids of every workbook's latest
// version. Historical versions are excluded so they never pollute the global index.
func (s *SQLiteStore) AllLatestVectors(ctx context.Context) ([]int64, [][]float32, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.embedding
		 FROM chunks c
		 JOIN (SELECT workbook_id, MAX(version) AS version FROM chunks GROUP BY workbook_id) latest
			ON c.workbook_id = latest.workbook_id AND c.version = latest.version
		 ORDER BY c.workbook_id, c.chunk_index`,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: query latest vectors: %w", errs.ErrStorageIO, err)
	}
	defer rows.Close()

	var ids []int64
	var vectors [][]float32
	for rows.Next() {
		var id int64
		var embedding []byte
		if err := rows.Scan(&id, &embedding); err != nil {
			return nil, nil, fmt.Errorf("%w: scan vector: %w", errs.ErrStorageIO, err)
		}
		ids = append(ids, id)
		vectors = append(vectors, decodeVector(embedding))
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("%w: scan vectors: %w", errs.ErrStorageIO, err)
	}
	return ids, vectors, nil
}

// ListVersions returns version summaries for a workbook in ascending version order.
func (s *SQLiteStore) ListVersions(ctx context.Context, workbookPath string) ([]models.VersionInfo, error) {
	var workbookID int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM workbooks WHERE path = ?`, workbookPath).Scan(&workbookID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: workbook %s", errs.ErrNotFound, workbookPath)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read workbook: %w", errs.ErrStorageIO, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT version, COUNT(*), MIN(created_at)
		 FROM chunks WHERE workbook_id = ? GROUP BY version ORDER BY version`,
		workbookID,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: query versions: %w", errs.ErrStorageIO, err)
	}
	defer rows.Close()

	var versions []models.VersionInfo
	for rows.Next() {
		var v models.VersionInfo
		if err := rows.Scan(&v.Version, &v.ChunkCount, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan version: %w", errs.ErrStorageIO, err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// GetWorkbook returns the workbook record for path.
func (s *SQLiteStore) GetWorkbook(ctx context.Context, workbookPath string) (*models.Workbook, error) {
	var wb models.Workbook
	err := s.db.QueryRowContext(ctx,
		`SELECT id, path, name, content_hash, dimensions, embedding_model, created_at, updated_at
		 FROM workbooks WHERE path = ?`, workbookPath,
	).Scan(&wb.ID, &wb.Path, &wb.Name, &wb.ContentHash, &wb.Dimensions, &wb.Model, &wb.CreatedAt, &wb.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: workbook %s", errs.ErrNotFound, workbookPath)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read workbook: %w", errs.ErrStorageIO, err)
	}
	return &wb, nil
}

// DeleteWorkbook removes a workbook and cascades all its versions and chunks.
func (s *SQLiteStore) DeleteWorkbook(ctx context.Context, workbookPath string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %w", errs.ErrStorageIO, err)
	}
	defer tx.Rollback()

	var workbookID int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM workbooks WHERE path = ?`, workbookPath).Scan(&workbookID)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: workbook %s", errs.ErrNotFound, workbookPath)
	}
	if err != nil {
		return fmt.Errorf("%w: read workbook: %w", errs.ErrStorageIO, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE workbook_id = ?`, workbookID); err != nil {
		return fmt.Errorf("%w: delete chunks: %w", errs.ErrStorageIO, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM workbooks WHERE id = ?`, workbookID); err != nil {
		return fmt.Errorf("%w: delete workbook: %w", errs.ErrStorageIO, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit delete: %w", errs.ErrStorageIO, err)
	}
	s.notifyChange(workbookPath)
	return nil
}

// CountWorkbooks returns the total number of workbooks.
func (s *SQLiteStore) CountWorkbooks(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM workbooks`).Scan(&count)
	return count, err
}

// CountChunks returns the total number of chunks across all versions.
func (s *SQLiteStore) CountChunks(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&count)
	return count, err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type chunkScanner interface {
	Scan(dest ...interface{}) error
}

func scanChunk(row chunkScanner) (*models.ChunkRecord, error) {
	var rec models.ChunkRecord
	var metadataJSON sql.NullString
	var embedding []byte
	if err := row.Scan(&rec.ID, &rec.WorkbookID, &rec.Version, &rec.ChunkIndex,
		&rec.Content, &rec.Markdown, &metadataJSON, &embedding, &rec.CreatedAt); err != nil {
		return nil, fmt.Errorf("%w: scan chunk: %w", errs.ErrStorageIO, err)
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("%w: unmarshal metadata: %w", errs.ErrStorageIO, err)
		}
	}
	rec.Embedding = decodeVector(embedding)
	return &rec, nil
}

// applyTextMode clears the text rendering(s) the caller did not request.
// An empty mode behaves like TextModeBoth.
func applyTextMode(rec *models.ChunkRecord, mode models.TextMode) {
	switch mode {
	case models.TextModeNatural:
		rec.Markdown = ""
	case models.TextModeMarkdown:
		rec.Content = ""
	}
}
