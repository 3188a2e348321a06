// Package embed defines the abstract EmbeddingBackend contract (spec
// §4.7) and its concrete implementations: local, remote (HTTP), and none.
package embed

import (
	"context"
	"fmt"
	"math"
)

// Backend is the abstract embedding provider contract.
type Backend interface {
	Encode(ctx context.Context, text string) ([]float32, error)
	EncodeBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
	IsAvailable() bool
}

// None is the "vector layer disabled" backend.
type None struct{}

func (None) Encode(context.Context, string) ([]float32, error) {
	return nil, fmt.Errorf("embed: backend disabled (RECALL_EMBEDDING_MODE=none)")
}
func (None) EncodeBatch(context.Context, []string) ([][]float32, error) {
	return nil, fmt.Errorf("embed: backend disabled (RECALL_EMBEDDING_MODE=none)")
}
func (None) Dimension() int    { return 0 }
func (None) IsAvailable() bool { return false }

// Normalize L2-normalizes v in place, matching the "vectors are
// L2-normalized at insertion and query" requirement.
func Normalize(v []float32) {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if sumSq == 0 {
		return
	}
	norm := float32(1.0 / math.Sqrt(sumSq))
	for i := range v {
		v[i] *= norm
	}
}
