// Package extract turns spreadsheet files into ordered chunk inputs.
package extract

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/hyperjump/kioku/internal/models"
)

// Extractor converts an .xlsx workbook into ordered chunks. Each chunk covers
// a window of rows from one sheet and carries both a natural-language
// rendering and a markdown table rendering of the same rows.
type Extractor struct {
	rowsPerChunk int
}

// NewExtractor returns an extractor chunking rowsPerChunk data rows per chunk.
func NewExtractor(rowsPerChunk int) *Extractor {
	if rowsPerChunk <= 0 {
		rowsPerChunk = 20
	}
	return &Extractor{rowsPerChunk: rowsPerChunk}
}

// ExtractFile reads the workbook at path and returns its chunks plus a
// content hash over the file bytes.
func (e *Extractor) ExtractFile(path string) ([]models.ChunkInput, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	hasher := sha256.New()
	wb, err := excelize.OpenReader(io.TeeReader(f, hasher))
	if err != nil {
		return nil, "", fmt.Errorf("parse workbook: %w", err)
	}
	defer wb.Close()

	chunks, err := e.extract(wb)
	if err != nil {
		return nil, "", err
	}
	return chunks, hex.EncodeToString(hasher.Sum(nil)), nil
}

func (e *Extractor) extract(wb *excelize.File) ([]models.ChunkInput, error) {
	var chunks []models.ChunkInput
	for _, sheet := range wb.GetSheetList() {
		rows, err := wb.GetRows(sheet)
		if err != nil {
			return nil, fmt.Errorf("read sheet %q: %w", sheet, err)
		}
		if len(rows) == 0 {
			continue
		}

		// First row is treated as the header for both renderings.
		header := rows[0]
		data := rows[1:]
		if len(data) == 0 {
			chunks = append(chunks, e.renderChunk(sheet, header, nil, 1, 1))
			continue
		}
		for start := 0; start < len(data); start += e.rowsPerChunk {
			end := start + e.rowsPerChunk
			if end > len(data) {
				end = len(data)
			}
			// Row numbers are 1-based and include the header offset.
			chunks = append(chunks, e.renderChunk(sheet, header, data[start:end], start+2, end+1))
		}
	}
	return chunks, nil
}

func (e *Extractor) renderChunk(sheet string, header []string, rows [][]string, rowStart, rowEnd int) models.ChunkInput {
	return models.ChunkInput{
		Content:  renderNatural(sheet, header, rows),
		Markdown: renderMarkdown(header, rows),
		Metadata: map[string]interface{}{
			"sheet":     sheet,
			"row_start": rowStart,
			"row_end":   rowEnd,
		},
	}
}

// renderNatural produces a sentence-per-row rendering: each cell as
// "header: value", rows separated by newlines.
func renderNatural(sheet string, header []string, rows [][]string) string {
	var buf strings.Builder
	buf.WriteString("Sheet ")
	buf.WriteString(sheet)
	buf.WriteByte('\n')
	for _, row := range rows {
		parts := make([]string, 0, len(row))
		for i, cell := range row {
			if cell == "" {
				continue
			}
			if i < len(header) && header[i] != "" {
				parts = append(parts, header[i]+": "+cell)
			} else {
				parts = append(parts, cell)
			}
		}
		buf.WriteString(strings.Join(parts, ", "))
		buf.WriteByte('\n')
	}
	return strings.TrimSpace(buf.String())
}

// renderMarkdown produces a markdown table with the header row and separator.
func renderMarkdown(header []string, rows [][]string) string {
	var buf strings.Builder
	writeRow := func(cells []string) {
		buf.WriteString("| ")
		buf.WriteString(strings.Join(cells, " | "))
		buf.WriteString(" |\n")
	}
	writeRow(header)
	sep := make([]string, len(header))
	for i := range sep {
		sep[i] = "---"
	}
	writeRow(sep)
	for _, row := range rows {
		// Pad short rows so every table row has the header's width.
		if len(row) < len(header) {
			padded := make([]string, len(header))
			copy(padded, row)
			row = padded
		}
		writeRow(row)
	}
	return strings.TrimSpace(buf.String())
}
