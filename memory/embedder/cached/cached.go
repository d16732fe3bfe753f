// Package cached wraps any memory.Embedder with a ristretto read-through
// cache, so identical texts embed once per process. Care-plan content
// repeats heavily (tier defaults, recurring query texts), which makes the
// embedding call the most cacheable hop in the store.
package cached

import (
	"context"

	"github.com/dgraph-io/ristretto"

	"github.com/carebridge/recall/memory"
)

// Embedder is a caching decorator around another embedder.
type Embedder struct {
	inner memory.Embedder
	cache *ristretto.Cache
}

// New wraps inner with a cache holding up to maxBytes of embedding data.
func New(inner memory.Embedder, maxBytes int64) (*Embedder, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Embedder{inner: inner, cache: cache}, nil
}

// Embed returns the cached vector for text, or delegates to the inner
// embedder and caches the result. A copy is returned either way so callers
// cannot mutate cached vectors.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := e.cache.Get(text); ok {
		if vec, ok := v.([]float32); ok {
			return cloneVec(vec), nil
		}
	}
	vec, err := e.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	// Cost is the vector's size in bytes. Set is best-effort; a rejected
	// entry just embeds again next time.
	e.cache.Set(text, cloneVec(vec), int64(len(vec)*4))
	return vec, nil
}

// Dimensions returns the inner embedder's vector size.
func (e *Embedder) Dimensions() int { return e.inner.Dimensions() }

// Close releases the cache's internal goroutines.
func (e *Embedder) Close() { e.cache.Close() }

func cloneVec(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
