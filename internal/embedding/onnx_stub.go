//go:build !cgo
// +build !cgo

package embedding

import (
	"context"
	"errors"
)

// ONNXEmbedder stub when built without CGO (see onnx.go for the real one).
type ONNXEmbedder struct{}

var errNoCGO = errors.New("ONNX embedder requires CGO; build with CGO_ENABLED=1 and onnxruntime")

// NewONNXEmbedder returns an error when built without CGO.
func NewONNXEmbedder(_, _ string, _, _, _ int) (*ONNXEmbedder, error) {
	return nil, errNoCGO
}

// Embed is unreachable: NewONNXEmbedder never returns an instance without CGO.
func (e *ONNXEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, errNoCGO
}

// EmbedBatch is unreachable: NewONNXEmbedder never returns an instance without CGO.
func (e *ONNXEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, errNoCGO
}

// Dimensions is unreachable: NewONNXEmbedder never returns an instance without CGO.
func (e *ONNXEmbedder) Dimensions() int { return 0 }

// ModelName is unreachable: NewONNXEmbedder never returns an instance without CGO.
func (e *ONNXEmbedder) ModelName() string { return "" }

// Close is unreachable: NewONNXEmbedder never returns an instance without CGO.
func (e *ONNXEmbedder) Close() error { return nil }
