package extract

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"
)

func writeTestWorkbook(t *testing.T, rows [][]interface{}) string {
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
	path := filepath.Join(t.TempDir(), "book.xlsx")
	if err := f.SaveAs(path); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestExtractFileChunksRows(t *testing.T) {
	rows := [][]interface{}{
		{"Region", "Revenue"},
		{"North", 120},
		{"South", 95},
		{"East", 40},
	}
	path := writeTestWorkbook(t, rows)

	chunks, hash, err := NewExtractor(2).ExtractFile(path)
	if err != nil {
		t.Fatalf("ExtractFile: %v", err)
	}
	if hash == "" {
		t.Error("empty content hash")
	}
	// Three data rows at two per chunk.
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}

	first := chunks[0]
	if !strings.Contains(first.Content, "Region: North") || !strings.Contains(first.Content, "Revenue: 120") {
		t.Errorf("natural rendering: %q", first.Content)
	}
	if !strings.HasPrefix(first.Markdown, "| Region | Revenue |") {
		t.Errorf("markdown header: %q", first.Markdown)
	}
	if !strings.Contains(first.Markdown, "| --- | --- |") {
		t.Errorf("markdown separator missing: %q", first.Markdown)
	}
	if first.Metadata["sheet"] != "Sheet1" {
		t.Errorf("sheet metadata: %v", first.Metadata)
	}
	if first.Metadata["row_start"] != 2 || first.Metadata["row_end"] != 3 {
		t.Errorf("row window metadata: %v", first.Metadata)
	}
	if chunks[1].Metadata["row_start"] != 4 || chunks[1].Metadata["row_end"] != 4 {
		t.Errorf("second chunk window: %v", chunks[1].Metadata)
	}
}

func TestExtractFileDeterministicHash(t *testing.T) {
	rows := [][]interface{}{{"A"}, {"1"}}
	path := writeTestWorkbook(t, rows)
	e := NewExtractor(10)
	_, h1, err := e.ExtractFile(path)
	if err != nil {
		t.Fatal(err)
	}
	_, h2, err := e.ExtractFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Errorf("hash not deterministic: %s vs %s", h1, h2)
	}
}

func TestExtractFileMissing(t *testing.T) {
	if _, _, err := NewExtractor(10).ExtractFile("/no/such/book.xlsx"); err == nil {
		t.Error("expected error for missing file")
	}
}
