package vector

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/hyperjump/kioku/internal/errs"
)

const clusteredMagic = "KVC1"

const kmeansMaxIterations = 25

// ClusteredIndex is an inverted-file index: vectors are partitioned into
// k-means cells at build time, and a query probes only the closest cells.
// Approximate; recall depends on the probe breadth.
type ClusteredIndex struct {
	dimensions int
	nlist      int
	nprobe     int
	centroids  []float32 // flat nlist*dimensions, set by Train or Load
	listIDs    [][]int64
	listVecs   [][][]float32
	size       int
	mu         sync.RWMutex
}

// NewClusteredIndex creates a clustered index with nlist cells and the given
// probe breadth. nlist may be zero when the index is populated via Load.
func NewClusteredIndex(dimensions, nlist, nprobe int) (*ClusteredIndex, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("%w: dimensions must be positive", errs.ErrValidation)
	}
	if nlist < 0 {
		return nil, fmt.Errorf("%w: nlist must be non-negative", errs.ErrValidation)
	}
	if nprobe <= 0 {
		nprobe = 10
	}
	return &ClusteredIndex{
		dimensions: dimensions,
		nlist:      nlist,
		nprobe:     nprobe,
	}, nil
}

// Kind returns the index family identifier.
func (c *ClusteredIndex) Kind() Kind {
	return KindClustered
}

// Dimensions returns the vector dimension.
func (c *ClusteredIndex) Dimensions() int {
	return c.dimensions
}

// Train learns the cell centroids from the full vector set. Must be called
// before Add. The cell count is reduced when it exceeds the vector count.
func (c *ClusteredIndex) Train(ctx context.Context, vectors [][]float32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(vectors) == 0 {
		return fmt.Errorf("%w: no vectors to train on", errs.ErrIndexBuild)
	}
	if c.nlist > len(vectors) {
		c.nlist = len(vectors)
	}
	if c.nlist == 0 {
		c.nlist = 1
	}
	flat := make([]float32, 0, len(vectors)*c.dimensions)
	for _, v := range vectors {
		if len(v) != c.dimensions {
			return &errs.DimensionMismatchError{Expected: c.dimensions, Actual: len(v)}
		}
		flat = append(flat, v...)
	}
	centroids := trainKMeans(flat, c.dimensions, c.nlist, kmeansMaxIterations)
	if centroids == nil {
		return fmt.Errorf("%w: k-means training produced no centroids", errs.ErrIndexBuild)
	}
	c.centroids = centroids
	c.listIDs = make([][]int64, c.nlist)
	c.listVecs = make([][][]float32, c.nlist)
	c.size = 0
	return nil
}

// Add assigns each vector to its nearest cell. Requires a prior Train.
func (c *ClusteredIndex) Add(ctx context.Context, ids []int64, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return fmt.Errorf("%w: ids and vectors length mismatch", errs.ErrValidation)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.centroids == nil {
		return fmt.Errorf("%w: index is not trained", errs.ErrIndexBuild)
	}
	for i, id := range ids {
		if len(vectors[i]) != c.dimensions {
			return &errs.DimensionMismatchError{Expected: c.dimensions, Actual: len(vectors[i])}
		}
		vec := make([]float32, c.dimensions)
		copy(vec, vectors[i])
		cell := nearestCentroid(vec, c.centroids, c.dimensions)
		c.listIDs[cell] = append(c.listIDs[cell], id)
		c.listVecs[cell] = append(c.listVecs[cell], vec)
		c.size++
	}
	return nil
}

// Search scans the nprobe cells closest to the query and returns the top-k
// hits by inner product across those cells.
func (c *ClusteredIndex) Search(ctx context.Context, query []float32, k int) ([]Result, error) {
	if len(query) != c.dimensions {
		return nil, &errs.DimensionMismatchError{Expected: c.dimensions, Actual: len(query)}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if k <= 0 || c.size == 0 || c.centroids == nil {
		return nil, nil
	}
	probe := c.nprobe
	if probe > c.nlist {
		probe = c.nlist
	}
	cells := closestCentroids(query, c.centroids, c.dimensions, probe)

	var scores []Result
	for _, cell := range cells {
		for i, vec := range c.listVecs[cell] {
			scores = append(scores, Result{ID: c.listIDs[cell][i], Score: InnerProduct(query, vec)})
		}
	}
	sort.Slice(scores, func(i, j int) bool { return scores[i].Score > scores[j].Score })
	if k > len(scores) {
		k = len(scores)
	}
	return scores[:k], nil
}

// Size returns the number of vectors in the index.
func (c *ClusteredIndex) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.size
}

// Save persists the index to path. Directory is created if needed.
// Format: magic (4), dimension (4), nlist (4), nprobe (4), centroids
// (nlist*dimension*4), then per cell: count (4), per entry: id (8), vector.
func (c *ClusteredIndex) Save(path string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if path == "" {
		return nil
	}
	if c.centroids == nil {
		return fmt.Errorf("%w: cannot save an untrained index", errs.ErrIndexBuild)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create index file: %w", err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	if _, err := w.WriteString(clusteredMagic); err != nil {
		return fmt.Errorf("write magic: %w", err)
	}
	for _, v := range []uint32{uint32(c.dimensions), uint32(c.nlist), uint32(c.nprobe)} {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}
	if err := writeVector(w, c.centroids); err != nil {
		return fmt.Errorf("write centroids: %w", err)
	}
	for cell := 0; cell < c.nlist; cell++ {
		if err := binary.Write(w, binary.LittleEndian, uint32(len(c.listIDs[cell]))); err != nil {
			return fmt.Errorf("write cell count: %w", err)
		}
		for i, id := range c.listIDs[cell] {
			if err := binary.Write(w, binary.LittleEndian, uint64(id)); err != nil {
				return fmt.Errorf("write id: %w", err)
			}
			if err := writeVector(w, c.listVecs[cell][i]); err != nil {
				return fmt.Errorf("write vector: %w", err)
			}
		}
	}
	return w.Flush()
}

// Load reads the index from path and replaces the in-memory contents.
// A missing file is reported as-is; a malformed file wraps errs.ErrCorruptIndex.
func (c *ClusteredIndex) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open index file: %w", err)
	}
	defer f.Close()
	r := bufio.NewReader(f)

	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil {
		return fmt.Errorf("%w: read magic: %v", errs.ErrCorruptIndex, err)
	}
	if string(magic) != clusteredMagic {
		return fmt.Errorf("%w: unexpected magic %q", errs.ErrCorruptIndex, magic)
	}
	var dim, nlist, nprobe uint32
	for _, p := range []*uint32{&dim, &nlist, &nprobe} {
		if err := binary.Read(r, binary.LittleEndian, p); err != nil {
			return fmt.Errorf("%w: read header: %v", errs.ErrCorruptIndex, err)
		}
	}
	if int(dim) != c.dimensions {
		return fmt.Errorf("%w: file has dimension %d, index expects %d", errs.ErrCorruptIndex, dim, c.dimensions)
	}
	if nlist == 0 {
		return fmt.Errorf("%w: zero cell count", errs.ErrCorruptIndex)
	}

	centroids, err := readVector(r, int(nlist)*c.dimensions)
	if err != nil {
		return fmt.Errorf("%w: read centroids: %v", errs.ErrCorruptIndex, err)
	}
	listIDs := make([][]int64, nlist)
	listVecs := make([][][]float32, nlist)
	size := 0
	for cell := uint32(0); cell < nlist; cell++ {
		var count uint32
		if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
			return fmt.Errorf("%w: read cell count: %v", errs.ErrCorruptIndex, err)
		}
		for i := uint32(0); i < count; i++ {
			var id uint64
			if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
				return fmt.Errorf("%w: read id: %v", errs.ErrCorruptIndex, err)
			}
			vec, err := readVector(r, c.dimensions)
			if err != nil {
				return fmt.Errorf("%w: read vector: %v", errs.ErrCorruptIndex, err)
			}
			listIDs[cell] = append(listIDs[cell], int64(id))
			listVecs[cell] = append(listVecs[cell], vec)
			size++
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.nlist = int(nlist)
	c.nprobe = int(nprobe)
	c.centroids = centroids
	c.listIDs = listIDs
	c.listVecs = listVecs
	c.size = size
	return nil
}
