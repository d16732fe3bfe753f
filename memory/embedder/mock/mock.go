// Package mock provides a deterministic memory.Embedder for tests and
// examples. Vectors are derived from a hash of the text, so equal texts
// always embed identically without any model or network dependency.
package mock

import (
	"context"
	"hash/fnv"
	"math"
)

// Embedder generates hash-seeded unit vectors.
type Embedder struct {
	dims int
}

// New creates a mock embedder with 384 dimensions (the all-MiniLM-L6-v2
// size, so it can stand in for a real small model).
func New() *Embedder {
	return &Embedder{dims: 384}
}

// NewWithDimensions creates a mock embedder with a custom vector size.
func NewWithDimensions(dims int) *Embedder {
	return &Embedder{dims: dims}
}

// Embed produces a deterministic unit vector for text. Similar texts do NOT
// produce similar vectors; only equality is meaningful.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, e.dims)
	for i := range vec {
		// LCG keeps the sequence reproducible from the hash seed.
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}
	return normalize(vec), nil
}

// Dimensions returns the embedding vector size.
func (e *Embedder) Dimensions() int { return e.dims }

func normalize(vec []float32) []float32 {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = float32(math.Sqrt(float64(norm)))
	for i, v := range vec {
		vec[i] = v / norm
	}
	return vec
}
