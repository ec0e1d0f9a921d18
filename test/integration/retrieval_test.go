// Package integration provides end-to-end tests over real storage and indexes.
package integration

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/xuri/excelize/v2"

	"github.com/hyperjump/kioku/internal/config"
	"github.com/hyperjump/kioku/internal/embedding"
	"github.com/hyperjump/kioku/internal/extract"
	"github.com/hyperjump/kioku/internal/index"
	"github.com/hyperjump/kioku/internal/ingest"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/search"
	"github.com/hyperjump/kioku/internal/store"
	"github.com/hyperjump/kioku/internal/vector"
)

type stack struct {
	store   *store.SQLiteStore
	builder *index.Builder
	engine  *search.Engine
	ingest  *ingest.Ingestor
}

func newStack(t *testing.T, dbPath, indexDir string) *stack {
	t.Helper()
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Embedding.Dimensions = 8

	st, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	builder, err := index.NewBuilder(st, indexDir, vector.Options{
		ExactThreshold: cfg.Index.ExactThreshold,
		MaxClusters:    cfg.Index.MaxClusters,
		NProbe:         cfg.Index.NProbe,
	})
	if err != nil {
		t.Fatal(err)
	}
	st.OnChange(builder.Invalidate)

	embedder := embedding.NewMockEmbedder(cfg.Embedding.Dimensions)
	return &stack{
		store:   st,
		builder: builder,
		engine:  search.NewEngine(st, embedder, builder, &cfg.Search),
		ingest:  ingest.NewIngestor(st, embedder, extract.NewExtractor(2)),
	}
}

func writeWorkbook(t *testing.T, dir string, rows [][]interface{}) string {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			t.Fatal(err)
		}
		if err := f.SetSheetRow("Sheet1", cell, &row); err != nil {
			t.Fatal(err)
		}
	}
	path := filepath.Join(dir, "report.xlsx")
	if err := f.SaveAs(path); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestIngestSearchLifecycle(t *testing.T) {
	dir := t.TempDir()
	indexDir := filepath.Join(dir, "indices")
	s := newStack(t, filepath.Join(dir, "chunks.db"), indexDir)
	ctx := context.Background()

	path := writeWorkbook(t, dir, [][]interface{}{
		{"Region", "Revenue"},
		{"North", 120},
		{"South", 95},
		{"East", 40},
	})

	_, version, err := s.ingest.IngestFile(ctx, path, models.AppendNewVersion)
	if err != nil {
		t.Fatalf("IngestFile: %v", err)
	}
	if version != 1 {
		t.Fatalf("first ingest version %d", version)
	}

	hits, err := s.engine.Search(ctx, "Region North Revenue", search.Options{WorkbookPath: path})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("no hits after ingest")
	}
	if hits[0].Metadata["sheet"] != "Sheet1" {
		t.Errorf("hit metadata: %v", hits[0].Metadata)
	}

	// A second ingest appends version 2 and invalidates the cached index,
	// so subsequent searches serve only the new version.
	_, version, err = s.ingest.IngestFile(ctx, path, models.AppendNewVersion)
	if err != nil {
		t.Fatalf("second IngestFile: %v", err)
	}
	if version != 2 {
		t.Fatalf("second ingest version %d", version)
	}
	hits, err = s.engine.Search(ctx, "Region North Revenue", search.Options{WorkbookPath: path})
	if err != nil {
		t.Fatalf("Search after reingest: %v", err)
	}
	for _, hit := range hits {
		if hit.Version != 2 {
			t.Errorf("stale hit from version %d", hit.Version)
		}
	}

	versions, err := s.store.ListVersions(ctx, path)
	if err != nil {
		t.Fatalf("ListVersions: %v", err)
	}
	if len(versions) != 2 {
		t.Errorf("got %d versions, want 2", len(versions))
	}

	// A fresh process over the same directories reloads persisted indexes
	// and serves the same results.
	restarted := newStack(t, filepath.Join(dir, "chunks.db"), indexDir)
	restarted.builder.LoadOnStartup()
	hits2, err := restarted.engine.Search(ctx, "Region North Revenue", search.Options{WorkbookPath: path})
	if err != nil {
		t.Fatalf("Search after restart: %v", err)
	}
	if len(hits2) != len(hits) {
		t.Errorf("restart changed results: %d vs %d", len(hits2), len(hits))
	}
}
