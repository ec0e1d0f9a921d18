// Package ingest turns chunk inputs into embedded, versioned store writes.
package ingest

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/embedding"
	"github.com/hyperjump/kioku/internal/extract"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/store"
)

// Ingestor embeds chunk inputs and writes them as a workbook version.
// Callers may bring their own chunks (IngestChunks) or hand over an .xlsx
// file to the extraction adapter (IngestFile).
type Ingestor struct {
	store     store.Store
	embedder  embedding.Embedder
	extractor *extract.Extractor
	logger    *zap.Logger
}

// Option configures an Ingestor.
type Option func(*Ingestor)

// WithLogger sets a logger for ingest events.
func WithLogger(l *zap.Logger) Option {
	return func(ing *Ingestor) { ing.logger = l }
}

// NewIngestor creates an ingestor with the given dependencies.
// extractor may be nil; IngestFile then returns an error.
func NewIngestor(st store.Store, embedder embedding.Embedder, extractor *extract.Extractor, opts ...Option) *Ingestor {
	ing := &Ingestor{
		store:     st,
		embedder:  embedder,
		extractor: extractor,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(ing)
	}
	return ing
}

// IngestChunks embeds the chunk contents and writes them as one version of
// the workbook. Returns the workbook id and the version written.
func (ing *Ingestor) IngestChunks(ctx context.Context, workbookPath string, chunks []models.ChunkInput, opts store.PutOptions) (int64, int64, error) {
	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Content
	}
	vectors, err := ing.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, 0, fmt.Errorf("embed chunks: %w", err)
	}

	workbookID, version, err := ing.store.PutVersion(ctx, workbookPath, vectors, chunks, ing.embedder.ModelName(), opts)
	if err != nil {
		return 0, 0, err
	}
	ing.logger.Info("Workbook version written",
		zap.String("path", workbookPath),
		zap.Int64("version", version),
		zap.Int("chunks", len(chunks)))
	return workbookID, version, nil
}

// IngestFile extracts an .xlsx workbook into chunks and ingests them.
func (ing *Ingestor) IngestFile(ctx context.Context, path string, mode models.WriteMode) (int64, int64, error) {
	if ing.extractor == nil {
		return 0, 0, fmt.Errorf("no extractor configured")
	}
	chunks, contentHash, err := ing.extractor.ExtractFile(path)
	if err != nil {
		return 0, 0, err
	}
	if len(chunks) == 0 {
		return 0, 0, fmt.Errorf("workbook %q produced no chunks", path)
	}
	return ing.IngestChunks(ctx, path, chunks, store.PutOptions{Mode: mode, ContentHash: contentHash})
}
