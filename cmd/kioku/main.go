// Package main is the Kioku CLI entry point.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/config"
	"github.com/hyperjump/kioku/internal/embedding"
	"github.com/hyperjump/kioku/internal/extract"
	"github.com/hyperjump/kioku/internal/index"
	"github.com/hyperjump/kioku/internal/ingest"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/search"
	"github.com/hyperjump/kioku/internal/server"
	"github.com/hyperjump/kioku/internal/store"
	"github.com/hyperjump/kioku/internal/vector"
	"github.com/hyperjump/kioku/pkg/utils"
)

var version = "dev"

const defaultConfigPath = "/usr/local/etc/kioku/config.yaml"

// loadConfig loads config from path. When path is the default, a config.yaml
// in the current directory takes precedence so that running from the project
// dir picks up the project's config.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "server":
		runServer()
	case "ingest":
		runIngest()
	case "search":
		runSearch()
	case "versions":
		runVersions()
	case "delete":
		runDelete()
	case "status":
		runStatus()
	case "version", "--version", "-v":
		fmt.Printf("kioku version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runServer() {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(os.Args[2:])

	cfg, resolvedConfigPath, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	debugMode := cfg.Debug || *debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("config loaded",
		zap.String("config_path", resolvedConfigPath),
		zap.Bool("debug", debugMode),
	)

	components, err := initializeComponents(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	defer components.Close()

	components.Builder.LoadOnStartup()

	srv := server.NewServer(
		components.Engine,
		components.Ingestor,
		components.Store,
		components.Builder,
		cfg,
		logger,
	)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Stop(ctx)
}

func runIngest() {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	overwrite := fs.Bool("overwrite", false, "overwrite the latest version instead of appending a new one")
	_ = fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fmt.Println("Usage: kioku ingest [flags] <workbook.xlsx>")
		os.Exit(1)
	}
	path, err := filepath.Abs(fs.Arg(0))
	if err != nil {
		fmt.Printf("Invalid path: %v\n", err)
		os.Exit(1)
	}

	components, _, logger := mustInitialize(*configPath)
	defer logger.Sync()
	defer components.Close()

	mode := models.AppendNewVersion
	if *overwrite {
		mode = models.OverwriteLatest
	}
	workbookID, ver, err := components.Ingestor.IngestFile(context.Background(), path, mode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ingest failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Workbook ingested: id=%d version=%d path=%s\n", workbookID, ver, path)
}

// buildQuery joins all positional args with spaces so multi-word queries work
// with or without shell quoting.
func buildQuery(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

func runSearch() {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", "", "server URL (empty = direct storage access)")
	workbook := fs.String("workbook", "", "restrict search to one workbook path")
	topK := fs.Int("top-k", 10, "number of results")
	threshold := fs.Float64("min-score", 0, "minimum cosine score (0 = no filtering)")
	textMode := fs.String("text-mode", "both", "text rendering: natural, markdown, or both")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fmt.Println("Usage: kioku search [flags] <query>")
		os.Exit(1)
	}
	query := buildQuery(fs.Args())
	if query == "" {
		fmt.Println("Usage: kioku search [flags] <query>")
		os.Exit(1)
	}

	var hits []models.SearchHit
	if *serverURL != "" {
		// Use the HTTP API when a server is running (avoids SQLite lock conflicts).
		res, err := searchViaHTTP(*serverURL, query, *workbook, *topK, *threshold, *textMode)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Search failed: %v\n", err)
			os.Exit(1)
		}
		hits = res
	} else {
		components, _, logger := mustInitialize(*configPath)
		defer logger.Sync()
		defer components.Close()

		res, err := components.Engine.Search(context.Background(), query, search.Options{
			WorkbookPath:   *workbook,
			TopK:           *topK,
			ScoreThreshold: *threshold,
			TextMode:       models.TextMode(*textMode),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Search failed: %v\n", err)
			os.Exit(1)
		}
		hits = res
	}

	switch *outputFormat {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(hits); err != nil {
			fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
			os.Exit(1)
		}
	case "text":
		if len(hits) == 0 {
			fmt.Println("No results.")
			return
		}
		for i, hit := range hits {
			fmt.Printf("%2d. [%.4f] %s v%d #%d\n", i+1, hit.Score, hit.WorkbookPath, hit.Version, hit.ChunkIndex)
			if hit.Content != "" {
				fmt.Printf("    %s\n", firstLine(hit.Content))
			}
		}
	default:
		fmt.Fprintf(os.Stderr, "Unknown output format %q; use text or json\n", *outputFormat)
		os.Exit(1)
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func searchViaHTTP(serverURL, query, workbook string, topK int, threshold float64, textMode string) ([]models.SearchHit, error) {
	body, err := json.Marshal(map[string]interface{}{
		"query":           query,
		"workbook_path":   workbook,
		"top_k":           topK,
		"score_threshold": threshold,
		"text_mode":       textMode,
	})
	if err != nil {
		return nil, err
	}
	resp, err := http.Post(serverURL+"/api/v1/search", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, string(b))
	}
	var out struct {
		Hits []models.SearchHit `json:"hits"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out.Hits, nil
}

func runVersions() {
	fs := flag.NewFlagSet("versions", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	_ = fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fmt.Println("Usage: kioku versions [flags] <workbook-path>")
		os.Exit(1)
	}
	path := fs.Arg(0)

	components, _, logger := mustInitialize(*configPath)
	defer logger.Sync()
	defer components.Close()

	versions, err := components.Store.ListVersions(context.Background(), path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "List versions failed: %v\n", err)
		os.Exit(1)
	}
	for _, v := range versions {
		fmt.Printf("v%-4d %5d chunks  %s\n", v.Version, v.ChunkCount, v.CreatedAt.Format(time.RFC3339))
	}
}

func runDelete() {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", "", "server URL (empty = direct storage access)")
	_ = fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fmt.Println("Usage: kioku delete [flags] <workbook-path>")
		os.Exit(1)
	}
	path := fs.Arg(0)

	if *serverURL != "" {
		req, _ := http.NewRequest(http.MethodDelete, *serverURL+"/api/v1/workbooks?path="+url.QueryEscape(path), nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
			os.Exit(1)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(resp.Body)
			fmt.Fprintf(os.Stderr, "Delete failed (%d): %s\n", resp.StatusCode, string(b))
			os.Exit(1)
		}
		fmt.Printf("Workbook deleted: %s\n", path)
		return
	}

	components, _, logger := mustInitialize(*configPath)
	defer logger.Sync()
	defer components.Close()

	if err := components.Store.DeleteWorkbook(context.Background(), path); err != nil {
		fmt.Fprintf(os.Stderr, "Deletion failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Workbook deleted: %s\n", path)
}

func runStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", "", "server URL (empty = direct storage access)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	status := map[string]interface{}{}
	if *serverURL != "" {
		resp, err := http.Get(*serverURL + "/api/v1/status")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
			os.Exit(1)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(resp.Body)
			fmt.Fprintf(os.Stderr, "Status failed (%d): %s\n", resp.StatusCode, string(b))
			os.Exit(1)
		}
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			fmt.Fprintf(os.Stderr, "Parse failed: %v\n", err)
			os.Exit(1)
		}
	} else {
		components, cfg, logger := mustInitialize(*configPath)
		defer logger.Sync()
		defer components.Close()

		ctx := context.Background()
		workbookCount, err := components.Store.CountWorkbooks(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Count workbooks failed: %v\n", err)
			os.Exit(1)
		}
		chunkCount, err := components.Store.CountChunks(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Count chunks failed: %v\n", err)
			os.Exit(1)
		}
		status["workbooks"] = workbookCount
		status["chunks"] = chunkCount
		status["indexes"] = components.Builder.Stats()
		status["config"] = map[string]interface{}{
			"embedding_dimensions": cfg.Embedding.Dimensions,
			"embedding_model":      cfg.Embedding.ModelName,
			"exact_threshold":      cfg.Index.ExactThreshold,
			"database_path":        cfg.Storage.DatabasePath,
			"index_dir":            cfg.Storage.IndexDir,
		}
	}

	switch *outputFormat {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(status); err != nil {
			fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
			os.Exit(1)
		}
	case "text":
		fmt.Printf("workbooks: %v\n", status["workbooks"])
		fmt.Printf("chunks:    %v\n", status["chunks"])
		if cfgInfo, ok := status["config"].(map[string]interface{}); ok {
			fmt.Println()
			fmt.Println("# configuration")
			for _, key := range []string{"embedding_model", "embedding_dimensions", "exact_threshold", "database_path", "index_dir"} {
				if v, ok := cfgInfo[key]; ok {
					fmt.Printf("%-21s %v\n", key+":", v)
				}
			}
		}
	default:
		fmt.Fprintf(os.Stderr, "Unknown output format %q; use text or json\n", *outputFormat)
		os.Exit(1)
	}
}

// Components holds initialized services.
type Components struct {
	Store    store.Store
	Embedder embedding.Embedder
	Builder  *index.Builder
	Engine   *search.Engine
	Ingestor *ingest.Ingestor
}

func (c *Components) Close() {
	if c.Store != nil {
		_ = c.Store.Close()
	}
	if c.Embedder != nil {
		_ = c.Embedder.Close()
	}
}

func mustInitialize(configPath string) (*Components, *config.Config, *zap.Logger) {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := utils.NewLogger(cfg.Debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	components, err := initializeComponents(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize", zap.Error(err))
	}
	return components, cfg, logger
}

func initializeComponents(cfg *config.Config, logger *zap.Logger) (*Components, error) {
	st, err := store.NewSQLiteStore(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	var embedder embedding.Embedder
	onnxEmbedder, err := embedding.NewONNXEmbedder(
		cfg.Embedding.ModelPath,
		cfg.Embedding.ModelName,
		cfg.Embedding.Dimensions,
		cfg.Embedding.MaxTokens,
		cfg.Embedding.CacheSize,
	)
	if err != nil {
		logger.Warn("ONNX embedder unavailable, using deterministic mock", zap.Error(err))
		embedder = embedding.NewMockEmbedder(cfg.Embedding.Dimensions)
	} else {
		embedder = onnxEmbedder
	}

	builder, err := index.NewBuilder(st, cfg.Storage.IndexDir, vector.Options{
		ExactThreshold: cfg.Index.ExactThreshold,
		MaxClusters:    cfg.Index.MaxClusters,
		NProbe:         cfg.Index.NProbe,
	}, index.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize index builder: %w", err)
	}
	// Any write to a workbook makes its index (and the global one) stale.
	st.OnChange(builder.Invalidate)

	engine := search.NewEngine(st, embedder, builder, &cfg.Search, search.WithLogger(logger))
	ingestor := ingest.NewIngestor(st, embedder, extract.NewExtractor(cfg.Search.RowsPerChunk), ingest.WithLogger(logger))

	return &Components{
		Store:    st,
		Embedder: embedder,
		Builder:  builder,
		Engine:   engine,
		Ingestor: ingestor,
	}, nil
}

func printUsage() {
	fmt.Println(`kioku - versioned chunk-embedding store and retrieval engine

Usage:
  kioku server [flags]              Start the HTTP server
  kioku ingest [flags] <file>       Ingest an .xlsx workbook
  kioku search [flags] <query>      Search stored chunks
  kioku versions [flags] <path>     List stored versions of a workbook
  kioku delete [flags] <path>       Delete a workbook and all its versions
  kioku status [flags]              Show store and index status
  kioku version                     Show version
  kioku help                        Show this help

Server Flags:
  --config string    Config file path (default: /usr/local/etc/kioku/config.yaml)
  --debug            Enable debug logging

Search Flags:
  --config string      Config file path (for direct storage mode)
  --server string      Server URL; empty uses direct storage access
  --workbook string    Restrict search to one workbook path
  --top-k int          Number of results (default: 10)
  --min-score float    Minimum cosine score (default: 0, no filtering)
  --text-mode string   natural, markdown, or both (default: both)
  --output string      text or json (default: text)

Examples:
  kioku server
  kioku ingest reports/q3.xlsx
  kioku search "quarterly revenue"
  kioku search --workbook /data/reports/q3.xlsx --top-k 5 revenue
  kioku versions /data/reports/q3.xlsx
  kioku delete /data/reports/q3.xlsx
  kioku status --output json`)
}
