package memory

import (
	"math"
	"sort"
)

// CosineSimilarity computes cosine similarity between two vectors.
// It returns 0 when either vector is empty, the lengths mismatch, or either
// magnitude is zero; otherwise the result is mathematically bounded to
// [-1, 1].
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// rankBySimilarity orders records by descending similarity to the query
// embedding. The sort is stable: ties and records without embeddings keep
// their prior (recency) order.
func rankBySimilarity(recs []*MemoryRecord, query []float32) {
	type scored struct {
		rec *MemoryRecord
		sim float64
	}
	items := make([]scored, len(recs))
	for i, rec := range recs {
		items[i] = scored{rec: rec, sim: CosineSimilarity(query, rec.Embedding)}
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].sim > items[j].sim
	})
	for i := range items {
		recs[i] = items[i].rec
	}
}
