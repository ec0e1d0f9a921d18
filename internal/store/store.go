// Package store defines the versioned persistence interface for workbook chunks and vectors.
package store

import (
	"context"

	"github.com/hyperjump/kioku/internal/models"
)

// PutOptions configures a PutVersion call.
type PutOptions struct {
	// Mode controls version assignment; zero value means AppendNewVersion.
	Mode models.WriteMode
	// ContentHash, when non-empty, is recorded on the workbook row.
	ContentHash string
}

// Store defines versioned chunk and vector persistence operations.
type Store interface {
	// Version operations
	PutVersion(ctx context.Context, workbookPath string, vectors [][]float32, chunks []models.ChunkInput, model string, opts PutOptions) (workbookID, version int64, err error)
	GetVersion(ctx context.Context, workbookPath string, version *int64, mode models.TextMode) ([]models.ChunkRecord, error)
	ListVersions(ctx context.Context, workbookPath string) ([]models.VersionInfo, error)

	// Chunk resolution
	GetChunksByID(ctx context.Context, chunkIDs []int64, mode models.TextMode) ([]models.ChunkRecord, error)
	AllLatestVectors(ctx context.Context) (ids []int64, vectors [][]float32, err error)

	// Workbook operations
	GetWorkbook(ctx context.Context, workbookPath string) (*models.Workbook, error)
	DeleteWorkbook(ctx context.Context, workbookPath string) error

	// Stats
	CountWorkbooks(ctx context.Context) (int64, error)
	CountChunks(ctx context.Context) (int64, error)

	Close() error
}
