// Package index builds, caches and persists similarity indexes over stored vectors.
package index

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/hyperjump/kioku/internal/errs"
	"github.com/hyperjump/kioku/internal/fileid"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/store"
	"github.com/hyperjump/kioku/internal/vector"
)

// GlobalKey identifies the cross-workbook index covering the latest version
// of every workbook.
const GlobalKey = "__global__"

// Builder builds indexes on demand, caches them in memory, and persists them
// to an index directory so restarts can reload instead of rebuild.
// Concurrent builds of the same key are coalesced.
type Builder struct {
	store  store.Store
	dir    string
	opts   vector.Options
	logger *zap.Logger

	group   singleflight.Group
	mu      sync.RWMutex
	indexes map[string]vector.Index
	catalog *sidecar
}

// Option configures a Builder.
type Option func(*Builder)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Builder) {
		b.logger = logger
	}
}

// NewBuilder creates a Builder persisting into dir. The directory is created
// if needed; a corrupt catalog is warn-logged and replaced with an empty one.
func NewBuilder(st store.Store, dir string, opts vector.Options, options ...Option) (*Builder, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create index directory: %w", err)
	}
	b := &Builder{
		store:   st,
		dir:     dir,
		opts:    opts,
		logger:  zap.NewNop(),
		indexes: make(map[string]vector.Index),
	}
	for _, opt := range options {
		opt(b)
	}
	catalog, err := loadSidecar(dir)
	if err != nil {
		b.logger.Warn("Index catalog unreadable, starting with an empty one", zap.Error(err))
		catalog = newSidecar()
	}
	b.catalog = catalog
	return b, nil
}

// BuildOrGet returns the index for one workbook, building it if it is not
// cached. force skips both the memory cache and the persisted file.
func (b *Builder) BuildOrGet(ctx context.Context, workbookPath string, force bool) (vector.Index, error) {
	return b.buildOrGet(ctx, workbookPath, force, func(ctx context.Context) ([]int64, [][]float32, error) {
		records, err := b.store.GetVersion(ctx, workbookPath, nil, models.TextModeNatural)
		if err != nil {
			return nil, nil, err
		}
		ids := make([]int64, len(records))
		vectors := make([][]float32, len(records))
		for i, rec := range records {
			ids[i] = rec.ID
			vectors[i] = rec.Embedding
		}
		return ids, vectors, nil
	})
}

// BuildGlobal returns the index over the latest version of every workbook.
func (b *Builder) BuildGlobal(ctx context.Context, force bool) (vector.Index, error) {
	return b.buildOrGet(ctx, GlobalKey, force, func(ctx context.Context) ([]int64, [][]float32, error) {
		return b.store.AllLatestVectors(ctx)
	})
}

func (b *Builder) buildOrGet(ctx context.Context, key string, force bool, fetch func(context.Context) ([]int64, [][]float32, error)) (vector.Index, error) {
	if !force {
		b.mu.RLock()
		idx, ok := b.indexes[key]
		b.mu.RUnlock()
		if ok {
			return idx, nil
		}
	}

	v, err, _ := b.group.Do(key, func() (interface{}, error) {
		if !force {
			b.mu.RLock()
			idx, ok := b.indexes[key]
			b.mu.RUnlock()
			if ok {
				return idx, nil
			}
			if idx := b.loadPersisted(key); idx != nil {
				b.mu.Lock()
				b.indexes[key] = idx
				b.mu.Unlock()
				return idx, nil
			}
		}
		return b.build(ctx, key, fetch)
	})
	if err != nil {
		return nil, err
	}
	return v.(vector.Index), nil
}

func (b *Builder) build(ctx context.Context, key string, fetch func(context.Context) ([]int64, [][]float32, error)) (vector.Index, error) {
	start := time.Now()
	ids, vectors, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("%w: no vectors for %q", errs.ErrNotFound, key)
	}
	idx, err := vector.Build(ctx, len(vectors[0]), ids, vectors, b.opts)
	if err != nil {
		return nil, err
	}

	file := fileid.IndexFileName(key)
	if err := idx.Save(filepath.Join(b.dir, file)); err != nil {
		// The in-memory index still serves queries; the next restart rebuilds.
		b.logger.Warn("Failed to persist index", zap.String("key", key), zap.Error(err))
	} else {
		b.mu.Lock()
		b.catalog.Records[key] = sidecarRecord{
			Key:        key,
			Kind:       idx.Kind(),
			Dimensions: idx.Dimensions(),
			File:       file,
			Size:       idx.Size(),
			BuiltAt:    time.Now().UTC(),
		}
		if err := b.catalog.save(b.dir); err != nil {
			b.logger.Warn("Failed to update index catalog", zap.Error(err))
		}
		b.mu.Unlock()
	}

	b.mu.Lock()
	b.indexes[key] = idx
	b.mu.Unlock()

	b.logger.Info("Index built",
		zap.String("key", key),
		zap.String("kind", string(idx.Kind())),
		zap.Int("vectors", idx.Size()),
		zap.Duration("took", time.Since(start)))
	return idx, nil
}

// loadPersisted tries to reload a persisted index for key. Any failure is a
// cache miss: warn, drop the stale catalog record, return nil.
func (b *Builder) loadPersisted(key string) vector.Index {
	b.mu.RLock()
	rec, ok := b.catalog.Records[key]
	b.mu.RUnlock()
	if !ok {
		return nil
	}
	idx, err := vector.Open(rec.Kind, rec.Dimensions, filepath.Join(b.dir, rec.File))
	if err != nil {
		b.logger.Warn("Persisted index unusable, will rebuild",
			zap.String("key", key), zap.Error(err))
		b.mu.Lock()
		delete(b.catalog.Records, key)
		if err := b.catalog.save(b.dir); err != nil {
			b.logger.Warn("Failed to update index catalog", zap.Error(err))
		}
		b.mu.Unlock()
		return nil
	}
	return idx
}

// LoadOnStartup reloads every cataloged index into memory. Unusable files are
// dropped from the catalog and rebuilt lazily on first use.
func (b *Builder) LoadOnStartup() {
	b.mu.RLock()
	keys := make([]string, 0, len(b.catalog.Records))
	for key := range b.catalog.Records {
		keys = append(keys, key)
	}
	b.mu.RUnlock()

	for _, key := range keys {
		if idx := b.loadPersisted(key); idx != nil {
			b.mu.Lock()
			b.indexes[key] = idx
			b.mu.Unlock()
			b.logger.Info("Index loaded",
				zap.String("key", key),
				zap.String("kind", string(idx.Kind())),
				zap.Int("vectors", idx.Size()))
		}
	}
}

// Invalidate drops the cached and persisted index for a workbook. The global
// index covers that workbook too, so it is dropped as well. Safe to call for
// paths that were never indexed.
func (b *Builder) Invalidate(workbookPath string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	changed := false
	for _, key := range []string{workbookPath, GlobalKey} {
		if _, ok := b.indexes[key]; ok {
			delete(b.indexes, key)
		}
		if rec, ok := b.catalog.Records[key]; ok {
			if err := os.Remove(filepath.Join(b.dir, rec.File)); err != nil && !os.IsNotExist(err) {
				b.logger.Warn("Failed to remove index file", zap.String("key", key), zap.Error(err))
			}
			delete(b.catalog.Records, key)
			changed = true
		}
	}
	if changed {
		if err := b.catalog.save(b.dir); err != nil {
			b.logger.Warn("Failed to update index catalog", zap.Error(err))
		}
	}
}

// Stats reports the in-memory cache contents for the status surface.
func (b *Builder) Stats() map[string]interface{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	kinds := make(map[string]string, len(b.indexes))
	for key, idx := range b.indexes {
		kinds[key] = string(idx.Kind())
	}
	return map[string]interface{}{
		"cached":    len(b.indexes),
		"persisted": len(b.catalog.Records),
		"kinds":     kinds,
	}
}
