package memory

import (
	"context"
	"time"
)

// Filter selects records for retrieval. OwnerID is required; zero values on
// the remaining fields disable that filter.
type Filter struct {
	// OwnerID scopes the query to one user's memories. Required.
	OwnerID int64

	// Tier restricts results to one tier when set.
	Tier Tier

	// Retention restricts results to one retention class when set.
	Retention Retention

	// MinImportance excludes records with a lower continuous importance.
	MinImportance float64

	// Limit caps the number of results; 0 means Config.DefaultQueryLimit.
	Limit int

	// IncludeExpired opts into records whose retention window has elapsed.
	IncludeExpired bool

	// Text, when non-empty, triggers similarity ranking of the results
	// against its embedding. Records without embeddings rank last.
	Text string
}

// Repository is the persistent record store the facade delegates to while
// online. Implementations must return records in recency order (newest
// first) and must not interpret Filter.Text; similarity ranking is the
// facade's job.
type Repository interface {
	// Insert persists a record and returns the stored copy.
	Insert(ctx context.Context, rec *MemoryRecord) (*MemoryRecord, error)

	// Query returns records matching the filter, newest first.
	Query(ctx context.Context, f Filter) ([]*MemoryRecord, error)

	// UpdateAccessMetadata increments access counts and stamps
	// last-accessed for the given record ids.
	UpdateAccessMetadata(ctx context.Context, ids []string, at time.Time) error

	// DeleteExpired removes records whose expiry is strictly before now
	// and returns the number removed.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)

	// Close releases resources.
	Close() error
}

// VectorSearcher is implemented by repositories that can rank by vector
// similarity server-side (e.g. embedded vector databases). When the
// repository supports it, the facade delegates text-query ranking instead of
// ranking client-side.
type VectorSearcher interface {
	// SearchByEmbedding returns up to limit records for the owner ordered
	// by descending similarity to the embedding. A limit of 0 or less
	// means no cap; the facade relies on this to filter candidates before
	// truncating to the query limit.
	SearchByEmbedding(ctx context.Context, ownerID int64, embedding []float32, limit int) ([]*MemoryRecord, error)
}

// Embedder converts text to vector embeddings. It is best-effort everywhere
// the store uses it: an unreachable embedder never blocks a create or query,
// it only disables similarity ranking for the affected records.
type Embedder interface {
	// Embed converts a single text to an embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the embedding vector size.
	Dimensions() int
}
