// Package models defines core data structures for workbooks, chunks, versions, and search hits.
package models

import "time"

// TextMode selects which text rendering(s) of a chunk are returned.
type TextMode string

const (
	// TextModeNatural returns only the natural-language rendering.
	TextModeNatural TextMode = "natural"
	// TextModeMarkdown returns only the markdown rendering.
	TextModeMarkdown TextMode = "markdown"
	// TextModeBoth returns both renderings.
	TextModeBoth TextMode = "both"
)

// WriteMode controls how PutVersion assigns version numbers.
type WriteMode string

const (
	// AppendNewVersion writes chunks under a new version (MAX+1), keeping prior versions.
	AppendNewVersion WriteMode = "append_new_version"
	// OverwriteLatest replaces the current latest version's rows in place.
	OverwriteLatest WriteMode = "overwrite_latest"
)

// Workbook represents an ingested workbook identity with its embedding contract.
type Workbook struct {
	ID          int64     `json:"id" db:"id"`
	Path        string    `json:"path" db:"path"`
	Name        string    `json:"name" db:"name"`
	ContentHash string    `json:"content_hash,omitempty" db:"content_hash"`
	Dimensions  int       `json:"dimensions" db:"dimensions"`
	Model       string    `json:"embedding_model" db:"embedding_model"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// ChunkInput is one chunk of extracted workbook content to be ingested.
type ChunkInput struct {
	Content  string                 `json:"content"`
	Markdown string                 `json:"markdown"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// ChunkRecord is a stored chunk belonging to exactly one (workbook, version).
type ChunkRecord struct {
	ID           int64                  `json:"id" db:"id"`
	WorkbookID   int64                  `json:"workbook_id" db:"workbook_id"`
	WorkbookPath string                 `json:"workbook_path,omitempty" db:"-"`
	Version      int64                  `json:"version" db:"version"`
	ChunkIndex   int                    `json:"chunk_index" db:"chunk_index"`
	Content      string                 `json:"content,omitempty" db:"content"`
	Markdown     string                 `json:"markdown,omitempty" db:"markdown"`
	Metadata     map[string]interface{} `json:"metadata,omitempty" db:"metadata"`
	Embedding    []float32              `json:"-" db:"-"`
	CreatedAt    time.Time              `json:"created_at" db:"created_at"`
}

// VersionInfo summarizes one stored version of a workbook.
type VersionInfo struct {
	Version    int64     `json:"version"`
	ChunkCount int       `json:"chunk_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// SearchHit is one ranked retrieval result, score in cosine range.
type SearchHit struct {
	Score        float64                `json:"score"`
	WorkbookPath string                 `json:"workbook_path"`
	ChunkID      int64                  `json:"chunk_id"`
	Version      int64                  `json:"version"`
	ChunkIndex   int                    `json:"chunk_index"`
	Content      string                 `json:"content,omitempty"`
	Markdown     string                 `json:"markdown,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}
