// Package vector provides exact and clustered inner-product indexes over unit-normalized vectors.
package vector

import "context"

// Kind identifies the index family.
type Kind string

const (
	// KindExact is brute-force inner-product search. Used for small corpora.
	KindExact Kind = "exact"
	// KindClustered is an inverted-file index over k-means cells, probing a
	// bounded number of cells per query. Used above the exact-size threshold.
	KindClustered Kind = "clustered"
)

// Index is a similarity index over one fixed snapshot of unit-normalized vectors.
// Implementations are safe for concurrent Search after the snapshot is loaded.
type Index interface {
	Add(ctx context.Context, ids []int64, vectors [][]float32) error
	Search(ctx context.Context, query []float32, k int) ([]Result, error)
	Save(path string) error
	Load(path string) error
	Size() int
	Dimensions() int
	Kind() Kind
}

// Result is a single vector search hit. ID is the chunk storage id.
type Result struct {
	ID    int64
	Score float64 // Inner product; equals cosine similarity for unit vectors.
}
