package search

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hyperjump/kioku/internal/config"
	"github.com/hyperjump/kioku/internal/errs"
	"github.com/hyperjump/kioku/internal/index"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/store"
	"github.com/hyperjump/kioku/internal/vector"
	"github.com/hyperjump/kioku/pkg/utils"
)

// wordEmbedder sums a deterministic pseudo-random vector per word, so texts
// sharing vocabulary score higher cosine than unrelated texts. That gives
// ranking tests meaningful semantics without a real model.
type wordEmbedder struct {
	dims int
}

func (e *wordEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		h := 0
		for _, c := range word {
			h = 31*h + int(c)
		}
		if h < 0 {
			h = -h
		}
		for i := range vec {
			vec[i] += float32(math.Sin(float64((h%9973 + 1) * (i + 1))))
		}
	}
	utils.NormalizeL2(vec)
	return vec, nil
}

func (e *wordEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (e *wordEmbedder) Dimensions() int   { return e.dims }
func (e *wordEmbedder) ModelName() string { return "word-test" }
func (e *wordEmbedder) Close() error      { return nil }

func testSearchConfig() *config.SearchConfig {
	return &config.SearchConfig{DefaultTopK: 10, MaxTopK: 100, OverfetchFactor: 3}
}

func newTestEngine(t *testing.T) (*Engine, *store.SQLiteStore, *wordEmbedder) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "chunks.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	builder, err := index.NewBuilder(st, t.TempDir(), vector.Options{ExactThreshold: 1000, MaxClusters: 256, NProbe: 10})
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	st.OnChange(builder.Invalidate)

	embedder := &wordEmbedder{dims: 16}
	return NewEngine(st, embedder, builder, testSearchConfig()), st, embedder
}

func putTexts(t *testing.T, st *store.SQLiteStore, embedder *wordEmbedder, path string, texts []string, metadata []map[string]interface{}) {
	t.Helper()
	ctx := context.Background()
	vectors, err := embedder.EmbedBatch(ctx, texts)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	chunks := make([]models.ChunkInput, len(texts))
	for i, text := range texts {
		chunks[i] = models.ChunkInput{Content: text, Markdown: "| " + text + " |"}
		if metadata != nil {
			chunks[i].Metadata = metadata[i]
		}
	}
	if _, _, err := st.PutVersion(ctx, path, vectors, chunks, embedder.ModelName(), store.PutOptions{}); err != nil {
		t.Fatalf("PutVersion: %v", err)
	}
}

func TestSearchRanksSharedVocabulary(t *testing.T) {
	engine, st, embedder := newTestEngine(t)
	putTexts(t, st, embedder, "/q3.xlsx", []string{
		"quarterly revenue grew twelve percent",
		"revenue by region for the quarter",
		"office locations and parking assignments",
	}, nil)

	hits, err := engine.Search(context.Background(), "revenue", Options{WorkbookPath: "/q3.xlsx"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("no hits")
	}
	if !strings.Contains(hits[0].Content, "revenue") {
		t.Errorf("top hit does not mention revenue: %q", hits[0].Content)
	}
	for i := 1; i < len(hits); i++ {
		if hits[i].Score > hits[i-1].Score {
			t.Errorf("hits not sorted descending at %d: %v > %v", i, hits[i].Score, hits[i-1].Score)
		}
	}
	// The parking chunk shares no vocabulary; if present it must rank last.
	for i, hit := range hits {
		if strings.Contains(hit.Content, "parking") && i != len(hits)-1 {
			t.Errorf("unrelated chunk ranked %d of %d", i+1, len(hits))
		}
	}
}

func TestSearchLatestVersionOnly(t *testing.T) {
	engine, st, embedder := newTestEngine(t)
	putTexts(t, st, embedder, "/a.xlsx", []string{"old revenue draft numbers"}, nil)
	putTexts(t, st, embedder, "/a.xlsx", []string{"final revenue approved numbers"}, nil)

	hits, err := engine.Search(context.Background(), "revenue numbers", Options{WorkbookPath: "/a.xlsx"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, hit := range hits {
		if hit.Version != 2 {
			t.Errorf("hit from version %d: %q", hit.Version, hit.Content)
		}
	}
}

func TestSearchGlobalAcrossWorkbooks(t *testing.T) {
	engine, st, embedder := newTestEngine(t)
	putTexts(t, st, embedder, "/a.xlsx", []string{"alpha budget totals"}, nil)
	putTexts(t, st, embedder, "/b.xlsx", []string{"beta budget totals"}, nil)

	hits, err := engine.Search(context.Background(), "budget totals", Options{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	paths := make(map[string]bool)
	for _, hit := range hits {
		paths[hit.WorkbookPath] = true
	}
	if !paths["/a.xlsx"] || !paths["/b.xlsx"] {
		t.Errorf("global search missed a workbook: %v", paths)
	}
}

func TestSearchUnknownWorkbook(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	_, err := engine.Search(context.Background(), "anything", Options{WorkbookPath: "/nope.xlsx"})
	if !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestSearchEmptyCorpusReturnsEmpty(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	hits, err := engine.Search(context.Background(), "anything", Options{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if hits == nil || len(hits) != 0 {
		t.Errorf("got %v, want empty non-nil slice", hits)
	}
}

func TestSearchValidation(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	if _, err := engine.Search(context.Background(), "", Options{}); !errors.Is(err, errs.ErrValidation) {
		t.Errorf("empty query: got %v, want ErrValidation", err)
	}
}

func TestSearchScoreThreshold(t *testing.T) {
	engine, st, embedder := newTestEngine(t)
	putTexts(t, st, embedder, "/a.xlsx", []string{
		"exact phrase match target",
		"completely unrelated gardening advice",
	}, nil)

	hits, err := engine.Search(context.Background(), "exact phrase match target", Options{
		WorkbookPath:   "/a.xlsx",
		ScoreThreshold: 0.99,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("got %d hits above 0.99, want 1", len(hits))
	}
	if hits[0].Score < 0.99 {
		t.Errorf("hit below threshold: %f", hits[0].Score)
	}
}

func TestSearchTopKLimit(t *testing.T) {
	engine, st, embedder := newTestEngine(t)
	texts := make([]string, 20)
	for i := range texts {
		texts[i] = "inventory count warehouse section"
	}
	putTexts(t, st, embedder, "/a.xlsx", texts, nil)

	hits, err := engine.Search(context.Background(), "inventory", Options{WorkbookPath: "/a.xlsx", TopK: 5})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 5 {
		t.Errorf("got %d hits, want 5", len(hits))
	}
}

func TestSearchTextMode(t *testing.T) {
	engine, st, embedder := newTestEngine(t)
	putTexts(t, st, embedder, "/a.xlsx", []string{"margin summary table"}, nil)

	hits, err := engine.Search(context.Background(), "margin", Options{WorkbookPath: "/a.xlsx", TextMode: models.TextModeMarkdown})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("no hits")
	}
	if hits[0].Markdown == "" || hits[0].Content != "" {
		t.Errorf("markdown mode: content=%q markdown=%q", hits[0].Content, hits[0].Markdown)
	}
}

func TestSearchWithFilters(t *testing.T) {
	engine, st, embedder := newTestEngine(t)
	putTexts(t, st, embedder, "/a.xlsx", []string{
		"revenue summary row one",
		"revenue summary row two",
		"revenue summary row three",
	}, []map[string]interface{}{
		{"sheet": "Q1", "row_start": 2},
		{"sheet": "Q2", "row_start": 2},
		{"sheet": "Q2", "row_start": 22},
	})

	hits, err := engine.SearchWithFilters(context.Background(), "revenue summary",
		map[string]interface{}{"sheet": "Q2"},
		Options{WorkbookPath: "/a.xlsx"})
	if err != nil {
		t.Fatalf("SearchWithFilters: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits for sheet=Q2, want 2", len(hits))
	}
	for _, hit := range hits {
		if hit.Metadata["sheet"] != "Q2" {
			t.Errorf("filter leaked: %v", hit.Metadata)
		}
	}

	// Numeric filters match across int/float64 representations.
	hits, err = engine.SearchWithFilters(context.Background(), "revenue summary",
		map[string]interface{}{"row_start": 2},
		Options{WorkbookPath: "/a.xlsx"})
	if err != nil {
		t.Fatalf("SearchWithFilters numeric: %v", err)
	}
	if len(hits) != 2 {
		t.Errorf("got %d hits for row_start=2, want 2", len(hits))
	}

	// A filter nothing satisfies yields an empty result, not an error.
	hits, err = engine.SearchWithFilters(context.Background(), "revenue summary",
		map[string]interface{}{"sheet": "Q9"},
		Options{WorkbookPath: "/a.xlsx"})
	if err != nil {
		t.Fatalf("SearchWithFilters miss: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("got %d hits for sheet=Q9, want 0", len(hits))
	}
}

// constEmbedder returns the same vector for every text, so the cosine against
// any stored vector is fixed by construction.
type constEmbedder struct {
	vec []float32
}

func (e *constEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	out := make([]float32, len(e.vec))
	copy(out, e.vec)
	return out, nil
}

func (e *constEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		v, err := e.Embed(ctx, texts[i])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (e *constEmbedder) Dimensions() int   { return len(e.vec) }
func (e *constEmbedder) ModelName() string { return "const-test" }
func (e *constEmbedder) Close() error      { return nil }

func TestSearchReturnsNegativeScores(t *testing.T) {
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "chunks.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	// The stored vector points away from every query, so the best match
	// scores -1. Scores span [-1, 1]; without an explicit threshold the
	// hit must still come back.
	ctx := context.Background()
	if _, _, err := st.PutVersion(ctx, "/a.xlsx",
		[][]float32{{-1, 0, 0, 0}},
		[]models.ChunkInput{{Content: "anti-correlated row"}},
		"const-test", store.PutOptions{}); err != nil {
		t.Fatalf("PutVersion: %v", err)
	}

	builder, err := index.NewBuilder(st, t.TempDir(), vector.Options{ExactThreshold: 1000})
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	engine := NewEngine(st, &constEmbedder{vec: []float32{1, 0, 0, 0}}, builder, testSearchConfig())

	hits, err := engine.Search(ctx, "anything", Options{WorkbookPath: "/a.xlsx"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("got %d hits, want 1", len(hits))
	}
	if hits[0].Score > -0.99 {
		t.Errorf("score %f, want ~-1", hits[0].Score)
	}

	// An explicit threshold still applies.
	hits, err = engine.Search(ctx, "anything", Options{WorkbookPath: "/a.xlsx", ScoreThreshold: 0.5})
	if err != nil {
		t.Fatalf("Search with threshold: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("got %d hits above 0.5, want 0", len(hits))
	}
}

func TestSearchDimensionMismatch(t *testing.T) {
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "chunks.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	// Stored vectors are 4-dimensional; the query embedder produces 16.
	ctx := context.Background()
	if _, _, err := st.PutVersion(ctx, "/a.xlsx",
		[][]float32{{1, 0, 0, 0}},
		[]models.ChunkInput{{Content: "stale model dims"}},
		"old-model", store.PutOptions{}); err != nil {
		t.Fatalf("PutVersion: %v", err)
	}

	builder, err := index.NewBuilder(st, t.TempDir(), vector.Options{ExactThreshold: 1000})
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	engine := NewEngine(st, &wordEmbedder{dims: 16}, builder, testSearchConfig())

	_, err = engine.Search(ctx, "anything", Options{WorkbookPath: "/a.xlsx"})
	if !errs.IsDimensionMismatch(err) {
		t.Errorf("got %v, want DimensionMismatchError", err)
	}
}
