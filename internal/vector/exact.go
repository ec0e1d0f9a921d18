package vector

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/hyperjump/kioku/internal/errs"
)

const exactMagic = "KVX1"

// ExactIndex is a brute-force inner-product index. Every query scans every
// vector, so results are exact. Suitable below the clustering threshold.
type ExactIndex struct {
	dimensions int
	ids        []int64
	vectors    [][]float32
	mu         sync.RWMutex
}

// NewExactIndex creates a brute-force index with the given dimension.
func NewExactIndex(dimensions int) (*ExactIndex, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("%w: dimensions must be positive", errs.ErrValidation)
	}
	return &ExactIndex{
		dimensions: dimensions,
		ids:        make([]int64, 0),
		vectors:    make([][]float32, 0),
	}, nil
}

// Kind returns the index family identifier.
func (m *ExactIndex) Kind() Kind {
	return KindExact
}

// Dimensions returns the vector dimension.
func (m *ExactIndex) Dimensions() int {
	return m.dimensions
}

// Add appends vectors with the given chunk ids.
func (m *ExactIndex) Add(ctx context.Context, ids []int64, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return fmt.Errorf("%w: ids and vectors length mismatch", errs.ErrValidation)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, id := range ids {
		if len(vectors[i]) != m.dimensions {
			return &errs.DimensionMismatchError{Expected: m.dimensions, Actual: len(vectors[i])}
		}
		vec := make([]float32, m.dimensions)
		copy(vec, vectors[i])
		m.ids = append(m.ids, id)
		m.vectors = append(m.vectors, vec)
	}
	return nil
}

// Search returns the top-k vectors by inner product.
func (m *ExactIndex) Search(ctx context.Context, query []float32, k int) ([]Result, error) {
	if len(query) != m.dimensions {
		return nil, &errs.DimensionMismatchError{Expected: m.dimensions, Actual: len(query)}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if k <= 0 || len(m.ids) == 0 {
		return nil, nil
	}
	scores := make([]Result, len(m.ids))
	for i, vec := range m.vectors {
		scores[i] = Result{ID: m.ids[i], Score: InnerProduct(query, vec)}
	}
	sort.Slice(scores, func(i, j int) bool { return scores[i].Score > scores[j].Score })
	if k > len(scores) {
		k = len(scores)
	}
	return scores[:k], nil
}

// Size returns the number of vectors in the index.
func (m *ExactIndex) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ids)
}

// Save persists the index to path. Directory is created if needed.
// Format: magic (4), dimension (4), n (4), then per vector: id (8), vector (dimension*4).
func (m *ExactIndex) Save(path string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if path == "" {
		return nil
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
	if _, err := w.WriteString(exactMagic); err != nil {
		return fmt.Errorf("write magic: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(m.dimensions)); err != nil {
		return fmt.Errorf("write dimensions: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(m.ids))); err != nil {
		return fmt.Errorf("write count: %w", err)
	}
	for i, id := range m.ids {
		if err := binary.Write(w, binary.LittleEndian, uint64(id)); err != nil {
			return fmt.Errorf("write id: %w", err)
		}
		if err := writeVector(w, m.vectors[i]); err != nil {
			return fmt.Errorf("write vector: %w", err)
		}
	}
	return w.Flush()
}

// Load reads the index from path and replaces the in-memory contents.
// A missing file is reported as-is; a malformed file wraps errs.ErrCorruptIndex.
func (m *ExactIndex) Load(path string) error {
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
	if string(magic) != exactMagic {
		return fmt.Errorf("%w: unexpected magic %q", errs.ErrCorruptIndex, magic)
	}
	var dim, n uint32
	if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
		return fmt.Errorf("%w: read dimensions: %v", errs.ErrCorruptIndex, err)
	}
	if int(dim) != m.dimensions {
		return fmt.Errorf("%w: file has dimension %d, index expects %d", errs.ErrCorruptIndex, dim, m.dimensions)
	}
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return fmt.Errorf("%w: read count: %v", errs.ErrCorruptIndex, err)
	}

	ids := make([]int64, 0, n)
	vectors := make([][]float32, 0, n)
	for i := uint32(0); i < n; i++ {
		var id uint64
		if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
			return fmt.Errorf("%w: read id: %v", errs.ErrCorruptIndex, err)
		}
		vec, err := readVector(r, m.dimensions)
		if err != nil {
			return fmt.Errorf("%w: read vector: %v", errs.ErrCorruptIndex, err)
		}
		ids = append(ids, int64(id))
		vectors = append(vectors, vec)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids = ids
	m.vectors = vectors
	return nil
}

func writeVector(w io.Writer, vec []float32) error {
	const size = 4
	buf := make([]byte, len(vec)*size)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*size:(i+1)*size], math.Float32bits(v))
	}
	_, err := w.Write(buf)
	return err
}

func readVector(r io.Reader, dim int) ([]float32, error) {
	const size = 4
	buf := make([]byte, dim*size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	vec := make([]float32, dim)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*size : (i+1)*size]))
	}
	return vec, nil
}
