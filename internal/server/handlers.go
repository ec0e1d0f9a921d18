package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/errs"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/search"
	"github.com/hyperjump/kioku/internal/store"
)

type searchRequest struct {
	Query          string                 `json:"query"`
	WorkbookPath   string                 `json:"workbook_path,omitempty"`
	TopK           int                    `json:"top_k,omitempty"`
	ScoreThreshold float64                `json:"score_threshold,omitempty"`
	TextMode       models.TextMode        `json:"text_mode,omitempty"`
	Filters        map[string]interface{} `json:"filters,omitempty"`
}

type ingestRequest struct {
	Path        string              `json:"path"`
	File        string              `json:"file,omitempty"`
	Mode        models.WriteMode    `json:"mode,omitempty"`
	Chunks      []models.ChunkInput `json:"chunks,omitempty"`
	ContentHash string              `json:"content_hash,omitempty"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.logger.Debug("search request",
		zap.String("query", req.Query),
		zap.String("workbook", req.WorkbookPath),
		zap.Int("top_k", req.TopK))

	opts := search.Options{
		WorkbookPath:   req.WorkbookPath,
		TopK:           req.TopK,
		ScoreThreshold: req.ScoreThreshold,
		TextMode:       req.TextMode,
	}
	hits, err := s.engine.SearchWithFilters(r.Context(), req.Query, req.Filters, opts)
	if err != nil {
		s.respondStoreError(w, err, "search failed")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"hits":  hits,
		"count": len(hits),
	})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var (
		workbookID int64
		version    int64
		err        error
	)
	switch {
	case len(req.Chunks) > 0:
		if req.Path == "" {
			s.respondError(w, http.StatusBadRequest, "path is required")
			return
		}
		workbookID, version, err = s.ingestor.IngestChunks(r.Context(), req.Path, req.Chunks,
			store.PutOptions{Mode: req.Mode, ContentHash: req.ContentHash})
	case req.File != "":
		workbookID, version, err = s.ingestor.IngestFile(r.Context(), req.File, req.Mode)
	default:
		s.respondError(w, http.StatusBadRequest, "either chunks or file is required")
		return
	}
	if err != nil {
		s.respondStoreError(w, err, "ingest failed")
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]interface{}{
		"workbook_id": workbookID,
		"version":     version,
		"status":      "ingested",
	})
}

func (s *Server) handleGetChunks(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		s.respondError(w, http.StatusBadRequest, "path is required")
		return
	}
	var version *int64
	if v := r.URL.Query().Get("version"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid version")
			return
		}
		version = &n
	}
	mode := models.TextMode(r.URL.Query().Get("text_mode"))

	chunks, err := s.store.GetVersion(r.Context(), path, version, mode)
	if err != nil {
		s.respondStoreError(w, err, "get chunks failed")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"path":   path,
		"chunks": chunks,
		"count":  len(chunks),
	})
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		s.respondError(w, http.StatusBadRequest, "path is required")
		return
	}
	versions, err := s.store.ListVersions(r.Context(), path)
	if err != nil {
		s.respondStoreError(w, err, "list versions failed")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"path":     path,
		"versions": versions,
	})
}

func (s *Server) handleDeleteWorkbook(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		s.respondError(w, http.StatusBadRequest, "path is required")
		return
	}
	s.logger.Debug("delete workbook request", zap.String("path", path))
	if err := s.store.DeleteWorkbook(r.Context(), path); err != nil {
		s.respondStoreError(w, err, "delete failed")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"path": path, "status": "deleted"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	workbookCount, err := s.store.CountWorkbooks(ctx)
	if err != nil {
		s.respondStoreError(w, err, "count workbooks failed")
		return
	}
	chunkCount, err := s.store.CountChunks(ctx)
	if err != nil {
		s.respondStoreError(w, err, "count chunks failed")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"workbooks": workbookCount,
		"chunks":    chunkCount,
		"indexes":   s.builder.Stats(),
		"config": map[string]interface{}{
			"embedding_dimensions": s.config.Embedding.Dimensions,
			"embedding_model":      s.config.Embedding.ModelName,
			"exact_threshold":      s.config.Index.ExactThreshold,
			"database_path":        s.config.Storage.DatabasePath,
			"index_dir":            s.config.Storage.IndexDir,
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// respondStoreError maps the error taxonomy onto HTTP status codes.
func (s *Server) respondStoreError(w http.ResponseWriter, err error, logMsg string) {
	s.logger.Error(logMsg, zap.Error(err))
	switch {
	case errors.Is(err, errs.ErrNotFound):
		s.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, errs.ErrValidation), errs.IsDimensionMismatch(err):
		s.respondError(w, http.StatusBadRequest, err.Error())
	default:
		s.respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
