// Package chromem provides an embedded memory.Repository on chromem-go, a
// pure Go in-process vector database. Records live in an in-memory index;
// records with embeddings are mirrored into per-owner chromem collections so
// text queries rank by vector similarity server-side.
//
// Suitable for local development and single-process deployments; use the
// sqlite repository when records must survive restarts.
package chromem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/carebridge/recall/memory"
)

// Store is a chromem-backed memory.Repository and memory.VectorSearcher.
type Store struct {
	db *chromem.DB

	mu          sync.RWMutex
	records     map[string]*memory.MemoryRecord // by id, authoritative
	byOwner     map[int64][]string              // insertion order per owner
	collections map[int64]*chromem.Collection
}

// New creates an empty chromem store.
func New() (*Store, error) {
	return &Store{
		db:          chromem.NewDB(),
		records:     make(map[string]*memory.MemoryRecord),
		byOwner:     make(map[int64][]string),
		collections: make(map[int64]*chromem.Collection),
	}, nil
}

// collection returns the owner's collection, creating it on first use.
// Each owner gets their own collection for namespace isolation.
func (s *Store) collection(ownerID int64) (*chromem.Collection, error) {
	s.mu.RLock()
	col, ok := s.collections[ownerID]
	s.mu.RUnlock()
	if ok {
		return col, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if col, ok := s.collections[ownerID]; ok {
		return col, nil
	}
	col, err := s.db.CreateCollection(fmt.Sprintf("owner_%d", ownerID), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	s.collections[ownerID] = col
	return col, nil
}

// Insert stores a record. Records carrying an embedding are also added to
// the owner's vector collection; records without one stay searchable by
// field filters only.
func (s *Store) Insert(ctx context.Context, rec *memory.MemoryRecord) (*memory.MemoryRecord, error) {
	stored := rec.Clone()

	if len(stored.Embedding) > 0 {
		col, err := s.collection(stored.OwnerID)
		if err != nil {
			return nil, err
		}
		doc := chromem.Document{
			ID:        stored.ID,
			Content:   stored.Content,
			Embedding: stored.Embedding,
			Metadata: map[string]string{
				"tier":       string(stored.Tier),
				"created_at": stored.CreatedAt.Format(time.RFC3339Nano),
			},
		}
		if err := col.AddDocument(ctx, doc); err != nil {
			return nil, fmt.Errorf("add document: %w", err)
		}
	}

	s.mu.Lock()
	s.records[stored.ID] = stored
	s.byOwner[stored.OwnerID] = append(s.byOwner[stored.OwnerID], stored.ID)
	s.mu.Unlock()
	return stored.Clone(), nil
}

// Query filters the owner's records, newest first. Filter.Text is ignored
// by contract; SearchByEmbedding handles similarity.
func (s *Store) Query(ctx context.Context, f memory.Filter) ([]*memory.MemoryRecord, error) {
	now := time.Now()
	s.mu.RLock()
	var out []*memory.MemoryRecord
	for _, id := range s.byOwner[f.OwnerID] {
		rec := s.records[id]
		if matches(rec, f, now) {
			out = append(out, rec.Clone())
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// SearchByEmbedding implements memory.VectorSearcher: records with
// embeddings come first ordered by descending similarity, then records
// without embeddings (similarity 0) in recency order. A limit of 0 or less
// returns every record.
func (s *Store) SearchByEmbedding(ctx context.Context, ownerID int64, embedding []float32, limit int) ([]*memory.MemoryRecord, error) {
	col, err := s.collection(ownerID)
	if err != nil {
		return nil, err
	}

	// chromem rejects nResults larger than the collection.
	n := col.Count()
	if limit > 0 && limit < n {
		n = limit
	}

	var out []*memory.MemoryRecord
	if n > 0 {
		results, err := col.QueryEmbedding(ctx, embedding, n, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("query embedding: %w", err)
		}
		s.mu.RLock()
		for _, res := range results {
			if rec, ok := s.records[res.ID]; ok {
				out = append(out, rec.Clone())
			}
		}
		s.mu.RUnlock()
	}

	if limit <= 0 {
		out = append(out, s.unembedded(ownerID, 0)...)
	} else if len(out) < limit {
		out = append(out, s.unembedded(ownerID, limit-len(out))...)
	}
	return out, nil
}

// unembedded returns the owner's records that carry no embedding, newest
// first, up to n (0 or less means all).
func (s *Store) unembedded(ownerID int64, n int) []*memory.MemoryRecord {
	s.mu.RLock()
	var out []*memory.MemoryRecord
	for _, id := range s.byOwner[ownerID] {
		rec := s.records[id]
		if len(rec.Embedding) == 0 {
			out = append(out, rec.Clone())
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// UpdateAccessMetadata bumps retrieval metadata on the stored records.
func (s *Store) UpdateAccessMetadata(ctx context.Context, ids []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if rec, ok := s.records[id]; ok {
			rec.AccessCount++
			t := at
			rec.LastAccessedAt = &t
		}
	}
	return nil
}

// DeleteExpired removes records whose expiry is strictly before now from the
// index and their documents from the vector collections. The vector documents
// go first; the index is only touched once every collection delete has
// succeeded, so a failure leaves it fully consistent (at worst some documents
// are already gone from vector search).
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expired := make(map[int64][]string)
	for owner, ids := range s.byOwner {
		for _, id := range ids {
			if s.records[id].Expired(now) {
				expired[owner] = append(expired[owner], id)
			}
		}
	}

	for owner, ids := range expired {
		col, ok := s.collections[owner]
		if !ok {
			continue
		}
		for _, id := range ids {
			if len(s.records[id].Embedding) == 0 {
				continue
			}
			if err := col.Delete(ctx, nil, nil, id); err != nil {
				return 0, fmt.Errorf("delete document: %w", err)
			}
		}
	}

	var removed int64
	for owner, ids := range expired {
		gone := make(map[string]bool, len(ids))
		for _, id := range ids {
			gone[id] = true
			delete(s.records, id)
			removed++
		}
		kept := s.byOwner[owner][:0]
		for _, id := range s.byOwner[owner] {
			if !gone[id] {
				kept = append(kept, id)
			}
		}
		s.byOwner[owner] = kept
	}
	return removed, nil
}

// Close releases resources. chromem keeps everything in memory, so there is
// nothing to flush.
func (s *Store) Close() error { return nil }

func matches(rec *memory.MemoryRecord, f memory.Filter, now time.Time) bool {
	if f.Tier != "" && rec.Tier != f.Tier {
		return false
	}
	if f.Retention != "" && rec.Retention != f.Retention {
		return false
	}
	if rec.Importance < f.MinImportance {
		return false
	}
	if !f.IncludeExpired && rec.Expired(now) {
		return false
	}
	return true
}
