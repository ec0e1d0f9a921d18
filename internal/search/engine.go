// Package search provides cosine retrieval over stored workbook chunks.
package search

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/config"
	"github.com/hyperjump/kioku/internal/embedding"
	"github.com/hyperjump/kioku/internal/errs"
	"github.com/hyperjump/kioku/internal/index"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/store"
	"github.com/hyperjump/kioku/internal/vector"
	"github.com/hyperjump/kioku/pkg/utils"
)

// Options controls one search call.
type Options struct {
	// WorkbookPath scopes the search to one workbook; empty means all workbooks.
	WorkbookPath string
	// TopK is the maximum number of hits; zero uses the configured default.
	TopK int
	// ScoreThreshold drops hits scoring below it when positive.
	ScoreThreshold float64
	// TextMode selects which renderings the hits carry.
	TextMode models.TextMode
}

// Engine embeds queries and retrieves the closest chunks from the latest
// version of each workbook.
type Engine struct {
	store    store.Store
	embedder embedding.Embedder
	builder  *index.Builder
	config   *config.SearchConfig
	logger   *zap.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets a logger for search events.
func WithLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates a search engine with the given dependencies.
func NewEngine(st store.Store, embedder embedding.Embedder, builder *index.Builder, cfg *config.SearchConfig, opts ...EngineOption) *Engine {
	e := &Engine{
		store:    st,
		embedder: embedder,
		builder:  builder,
		config:   cfg,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Search returns the chunks closest to the query, best first. Searching an
// existing but empty workbook returns an empty slice; searching an unknown
// workbook returns ErrNotFound.
func (e *Engine) Search(ctx context.Context, query string, opts Options) ([]models.SearchHit, error) {
	if query == "" {
		return nil, fmt.Errorf("%w: empty query", errs.ErrValidation)
	}
	topK := e.clampTopK(opts.TopK)

	start := time.Now()
	queryVec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	utils.NormalizeL2(queryVec)

	idx, err := e.selectIndex(ctx, opts.WorkbookPath, queryVec)
	if err != nil {
		return nil, err
	}
	if idx == nil {
		return []models.SearchHit{}, nil
	}

	results, err := idx.Search(ctx, queryVec, topK)
	if err != nil {
		return nil, err
	}
	hits, err := e.resolve(ctx, results, opts)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("Search completed",
		zap.String("workbook", opts.WorkbookPath),
		zap.Int("hits", len(hits)),
		zap.Duration("took", time.Since(start)))
	return hits, nil
}

// SearchWithFilters is Search plus exact-equality post-filtering on chunk
// metadata. It over-fetches to compensate for filtered-out candidates, so a
// highly selective filter can still return fewer than topK hits.
func (e *Engine) SearchWithFilters(ctx context.Context, query string, filters map[string]interface{}, opts Options) ([]models.SearchHit, error) {
	if len(filters) == 0 {
		return e.Search(ctx, query, opts)
	}
	topK := e.clampTopK(opts.TopK)
	overfetch := opts
	overfetch.TopK = topK * e.overfetchFactor()

	candidates, err := e.Search(ctx, query, overfetch)
	if err != nil {
		return nil, err
	}
	hits := make([]models.SearchHit, 0, topK)
	for _, hit := range candidates {
		if matchesFilters(hit.Metadata, filters) {
			hits = append(hits, hit)
			if len(hits) >= topK {
				break
			}
		}
	}
	return hits, nil
}

// selectIndex returns the index to query, or nil when the target collection
// exists but holds no vectors.
func (e *Engine) selectIndex(ctx context.Context, workbookPath string, queryVec []float32) (vector.Index, error) {
	var (
		idx vector.Index
		err error
	)
	if workbookPath != "" {
		// Distinguish an unknown workbook (an error) from a known one with
		// no vectors (an empty result).
		if _, err := e.store.GetWorkbook(ctx, workbookPath); err != nil {
			return nil, err
		}
		idx, err = e.builder.BuildOrGet(ctx, workbookPath, false)
	} else {
		idx, err = e.builder.BuildGlobal(ctx, false)
	}
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if idx.Dimensions() != len(queryVec) {
		return nil, &errs.DimensionMismatchError{Expected: idx.Dimensions(), Actual: len(queryVec)}
	}
	return idx, nil
}

// resolve turns raw index results into hydrated hits. Only sentinel ids and,
// when the caller asked for one, sub-threshold scores are dropped; scores span
// [-1, 1] and a negative best match is still a result.
func (e *Engine) resolve(ctx context.Context, results []vector.Result, opts Options) ([]models.SearchHit, error) {
	scores := make(map[int64]float64, len(results))
	ids := make([]int64, 0, len(results))
	for _, r := range results {
		if r.ID < 0 {
			continue
		}
		if opts.ScoreThreshold > 0 && r.Score < opts.ScoreThreshold {
			continue
		}
		ids = append(ids, r.ID)
		scores[r.ID] = r.Score
	}
	if len(ids) == 0 {
		return []models.SearchHit{}, nil
	}

	records, err := e.store.GetChunksByID(ctx, ids, opts.TextMode)
	if err != nil {
		return nil, fmt.Errorf("resolve chunks: %w", err)
	}
	hits := make([]models.SearchHit, 0, len(records))
	for _, rec := range records {
		hits = append(hits, models.SearchHit{
			Score:        scores[rec.ID],
			WorkbookPath: rec.WorkbookPath,
			ChunkID:      rec.ID,
			Version:      rec.Version,
			ChunkIndex:   rec.ChunkIndex,
			Content:      rec.Content,
			Markdown:     rec.Markdown,
			Metadata:     rec.Metadata,
		})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	return hits, nil
}

func (e *Engine) clampTopK(topK int) int {
	if topK <= 0 {
		topK = e.config.DefaultTopK
	}
	if e.config.MaxTopK > 0 && topK > e.config.MaxTopK {
		topK = e.config.MaxTopK
	}
	return topK
}

func (e *Engine) overfetchFactor() int {
	if e.config.OverfetchFactor > 1 {
		return e.config.OverfetchFactor
	}
	return 3
}

// matchesFilters reports whether metadata satisfies every filter by exact
// equality. Numbers are compared as float64 since JSON round-trips erase the
// int/float distinction.
func matchesFilters(metadata, filters map[string]interface{}) bool {
	for key, want := range filters {
		got, ok := metadata[key]
		if !ok {
			return false
		}
		if !valuesEqual(got, want) {
			return false
		}
	}
	return true
}

func valuesEqual(a, b interface{}) bool {
	if af, aok := asFloat(a); aok {
		bf, bok := asFloat(b)
		return bok && af == bf
	}
	return a == b
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
