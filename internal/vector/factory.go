package vector

import (
	"context"
	"fmt"
	"math"

	"github.com/hyperjump/kioku/internal/errs"
	"github.com/hyperjump/kioku/pkg/utils"
)

// Options controls index family selection and clustering shape.
type Options struct {
	// ExactThreshold is the corpus size below which a brute-force index is
	// built instead of a clustered one.
	ExactThreshold int
	// MaxClusters caps the number of k-means cells.
	MaxClusters int
	// NProbe is the number of cells scanned per clustered query.
	NProbe int
}

// DefaultOptions returns the standard selection parameters.
func DefaultOptions() Options {
	return Options{
		ExactThreshold: 1000,
		MaxClusters:    256,
		NProbe:         10,
	}
}

// NumClusters returns the cell count for a corpus of n vectors:
// 4*sqrt(n), capped by MaxClusters and by n itself.
func (o Options) NumClusters(n int) int {
	nlist := int(4 * math.Sqrt(float64(n)))
	if nlist > o.MaxClusters {
		nlist = o.MaxClusters
	}
	if nlist > n {
		nlist = n
	}
	if nlist < 1 {
		nlist = 1
	}
	return nlist
}

// Build constructs a populated index over the given vectors. Vectors are
// unit-normalized in place before insertion, so inner-product scores are
// cosine similarities. The family is chosen by corpus size: brute-force
// below opts.ExactThreshold, clustered otherwise.
func Build(ctx context.Context, dimensions int, ids []int64, vectors [][]float32, opts Options) (Index, error) {
	if len(ids) != len(vectors) {
		return nil, fmt.Errorf("%w: ids and vectors length mismatch", errs.ErrValidation)
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("%w: no vectors to index", errs.ErrNotFound)
	}
	if opts.ExactThreshold <= 0 {
		opts = DefaultOptions()
	}
	for _, v := range vectors {
		if len(v) != dimensions {
			return nil, &errs.DimensionMismatchError{Expected: dimensions, Actual: len(v)}
		}
		utils.NormalizeL2(v)
	}

	if len(vectors) < opts.ExactThreshold {
		idx, err := NewExactIndex(dimensions)
		if err != nil {
			return nil, err
		}
		if err := idx.Add(ctx, ids, vectors); err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrIndexBuild, err)
		}
		return idx, nil
	}

	idx, err := NewClusteredIndex(dimensions, opts.NumClusters(len(vectors)), opts.NProbe)
	if err != nil {
		return nil, err
	}
	if err := idx.Train(ctx, vectors); err != nil {
		return nil, err
	}
	if err := idx.Add(ctx, ids, vectors); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrIndexBuild, err)
	}
	return idx, nil
}

// Open creates an empty index of the given kind and loads it from path.
func Open(kind Kind, dimensions int, path string) (Index, error) {
	var (
		idx Index
		err error
	)
	switch kind {
	case KindExact:
		idx, err = NewExactIndex(dimensions)
	case KindClustered:
		idx, err = NewClusteredIndex(dimensions, 0, 0)
	default:
		return nil, fmt.Errorf("%w: unknown index kind %q", errs.ErrCorruptIndex, kind)
	}
	if err != nil {
		return nil, err
	}
	if err := idx.Load(path); err != nil {
		return nil, err
	}
	return idx, nil
}
