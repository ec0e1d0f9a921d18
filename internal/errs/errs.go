// Package errs defines the error taxonomy shared by the store, index builder, and retrieval engine.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates a workbook, version, or chunk is absent,
	// or that a workbook with zero chunks was asked to be indexed.
	ErrNotFound = errors.New("not found")

	// ErrValidation indicates invalid input: mismatched vector/chunk counts,
	// inconsistent dimensions within a batch, or an invalid write mode.
	ErrValidation = errors.New("validation failed")

	// ErrCorruptIndex indicates a persisted index file is unreadable.
	// Recovered automatically by rebuilding from the store.
	ErrCorruptIndex = errors.New("corrupt index file")

	// ErrStorageIO indicates a durable-store failure; version writes roll back entirely.
	ErrStorageIO = errors.New("storage failure")

	// ErrIndexBuild indicates index training or insertion failed on degenerate input.
	ErrIndexBuild = errors.New("index build failed")
)

// DimensionMismatchError indicates a query or stored vector dimensionality
// inconsistent with the workbook's declared embedding dimension.
type DimensionMismatchError struct {
	Expected int
	Actual   int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// IsDimensionMismatch reports whether err is (or wraps) a DimensionMismatchError.
func IsDimensionMismatch(err error) bool {
	var dm *DimensionMismatchError
	return errors.As(err, &dm)
}
