package memory_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carebridge/recall/memory"
)

// fakeRepo is an in-memory Repository with failure injection, mimicking the
// filter behavior of the sqlite implementation.
type fakeRepo struct {
	mu         sync.Mutex
	recs       []*memory.MemoryRecord // insertion order
	failInsert bool
	failQuery  bool
	failDelete bool
}

func (r *fakeRepo) Insert(ctx context.Context, rec *memory.MemoryRecord) (*memory.MemoryRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failInsert {
		return nil, errors.New("connection refused")
	}
	stored := rec.Clone()
	r.recs = append(r.recs, stored)
	return stored.Clone(), nil
}

func (r *fakeRepo) Query(ctx context.Context, f memory.Filter) ([]*memory.MemoryRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failQuery {
		return nil, errors.New("connection refused")
	}
	now := time.Now()
	var out []*memory.MemoryRecord
	for _, rec := range r.recs {
		if rec.OwnerID != f.OwnerID {
			continue
		}
		if f.Tier != "" && rec.Tier != f.Tier {
			continue
		}
		if f.Retention != "" && rec.Retention != f.Retention {
			continue
		}
		if rec.Importance < f.MinImportance {
			continue
		}
		if !f.IncludeExpired && rec.Expired(now) {
			continue
		}
		out = append(out, rec.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *fakeRepo) UpdateAccessMetadata(ctx context.Context, ids []string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	for _, rec := range r.recs {
		if set[rec.ID] {
			rec.AccessCount++
			t := at
			rec.LastAccessedAt = &t
		}
	}
	return nil
}

func (r *fakeRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failDelete {
		return 0, errors.New("connection refused")
	}
	var kept []*memory.MemoryRecord
	var removed int64
	for _, rec := range r.recs {
		if rec.ExpiresAt != nil && rec.ExpiresAt.Before(now) {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	r.recs = kept
	return removed, nil
}

func (r *fakeRepo) Close() error { return nil }

// byID returns the stored record with the given id, or nil.
func (r *fakeRepo) byID(id string) *memory.MemoryRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.recs {
		if rec.ID == id {
			return rec
		}
	}
	return nil
}

// stubEmbedder returns canned vectors by exact text and fails on anything
// unmapped, so tests control exactly which records carry embeddings.
type stubEmbedder struct {
	vectors map[string][]float32
	fail    bool
}

func (e *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.fail {
		return nil, errors.New("embedding service unavailable")
	}
	if v, ok := e.vectors[text]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("no embedding for %q", text)
}

func (e *stubEmbedder) Dimensions() int { return 2 }

func newTestStore(t *testing.T, repo memory.Repository, embedder memory.Embedder) *memory.TieredStore {
	t.Helper()
	return memory.New(repo, embedder, memory.DefaultConfig())
}

func TestCreateSemanticDefaults(t *testing.T) {
	ctx := context.Background()
	repo := &fakeRepo{}
	store := newTestStore(t, repo, nil)

	rec, err := store.CreateSemantic(ctx, 7, "prefers low-sodium meals")
	require.NoError(t, err)

	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, memory.TierSemantic, rec.Tier)
	assert.Equal(t, memory.RetentionLongTerm, rec.Retention)
	assert.Equal(t, memory.ImportanceMedium, rec.Importance)
	assert.Equal(t, 0, rec.AccessCount)
	assert.Nil(t, rec.LastAccessedAt)
	assert.Nil(t, rec.ExpiresAt, "long_term records never expire by default")
}

func TestCreateProceduralDefaults(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, &fakeRepo{}, nil)

	rec, err := store.CreateProcedural(ctx, 7, "always confirm medication changes")
	require.NoError(t, err)
	assert.Equal(t, memory.ImportanceHigh, rec.Importance)
	assert.Equal(t, memory.RetentionLongTerm, rec.Retention)
}

func TestCreateEpisodicDefaults(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, &fakeRepo{}, nil)

	rec, err := store.CreateEpisodic(ctx, 7, "skipped dinner")
	require.NoError(t, err)
	assert.Equal(t, memory.RetentionMediumTerm, rec.Retention)
	require.NotNil(t, rec.ExpiresAt, "medium_term records get a default expiry")
	assert.WithinDuration(t, time.Now().Add(30*24*time.Hour), *rec.ExpiresAt, time.Minute)
}

func TestCreateOptionsOverrideDefaults(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, &fakeRepo{}, nil)

	rec, err := store.CreateSemantic(ctx, 7, "allergic to penicillin",
		memory.WithImportance(memory.ImportanceCritical),
		memory.WithRetention(memory.RetentionShortTerm),
		memory.WithContext(map[string]interface{}{"source": "intake-form"}),
	)
	require.NoError(t, err)
	assert.Equal(t, memory.ImportanceCritical, rec.Importance)
	assert.Equal(t, memory.RetentionShortTerm, rec.Retention)
	require.NotNil(t, rec.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), *rec.ExpiresAt, time.Minute)
	assert.Equal(t, "intake-form", rec.Context["source"])
}

func TestCreateZeroImportanceUsesDefault(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, &fakeRepo{}, nil)

	// Zero is the unset value, not a valid override.
	rec, err := store.CreateSemantic(ctx, 7, "a fact", memory.WithImportance(0))
	require.NoError(t, err)
	assert.Equal(t, memory.ImportanceMedium, rec.Importance)
}

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, &fakeRepo{}, nil)

	cases := []struct {
		name string
		rec  *memory.MemoryRecord
	}{
		{"missing owner", &memory.MemoryRecord{Tier: memory.TierSemantic, Content: "x"}},
		{"unknown tier", &memory.MemoryRecord{OwnerID: 7, Tier: "working", Content: "x"}},
		{"missing content", &memory.MemoryRecord{OwnerID: 7, Tier: memory.TierSemantic}},
		{"importance too high", &memory.MemoryRecord{OwnerID: 7, Tier: memory.TierSemantic, Content: "x", Importance: 1.5}},
		{"importance negative", &memory.MemoryRecord{OwnerID: 7, Tier: memory.TierSemantic, Content: "x", Importance: -0.1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := store.Create(ctx, tc.rec)
			assert.ErrorIs(t, err, memory.ErrInvalidRecord)
		})
	}
}

func TestCreateFailurePropagatesWhileOnline(t *testing.T) {
	ctx := context.Background()
	repo := &fakeRepo{failInsert: true}
	store := newTestStore(t, repo, nil)

	_, err := store.CreateSemantic(ctx, 7, "some fact")
	require.ErrorIs(t, err, memory.ErrStorageUnavailable)
	assert.Equal(t, 0, store.PendingOperations(), "online failures must not fall back to the offline buffer")
}

func TestQueryRequiresOwner(t *testing.T) {
	store := newTestStore(t, &fakeRepo{}, nil)
	_, err := store.Query(context.Background(), memory.Filter{})
	assert.ErrorIs(t, err, memory.ErrInvalidFilter)
}

func TestQueryFailureReturnsTypedError(t *testing.T) {
	repo := &fakeRepo{failQuery: true}
	store := newTestStore(t, repo, nil)

	recs, err := store.Query(context.Background(), memory.Filter{OwnerID: 7})
	require.ErrorIs(t, err, memory.ErrStorageUnavailable)
	assert.Nil(t, recs, "a failed query is not a confirmed empty result")
}

func TestQueryBumpsAccessMetadata(t *testing.T) {
	ctx := context.Background()
	repo := &fakeRepo{}
	store := newTestStore(t, repo, nil)

	created, err := store.CreateSemantic(ctx, 7, "prefers low-sodium meals")
	require.NoError(t, err)
	assert.Equal(t, 0, created.AccessCount)

	recs, err := store.QuerySemantic(ctx, memory.Filter{OwnerID: 7})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 1, recs[0].AccessCount)
	assert.NotNil(t, recs[0].LastAccessedAt)

	// Idempotence: same content back, only access metadata moves.
	recs2, err := store.QuerySemantic(ctx, memory.Filter{OwnerID: 7})
	require.NoError(t, err)
	require.Len(t, recs2, 1)
	assert.Equal(t, recs[0].ID, recs2[0].ID)
	assert.Equal(t, recs[0].Content, recs2[0].Content)
	assert.Equal(t, 2, recs2[0].AccessCount)
}

func TestQueryMinImportance(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, &fakeRepo{}, nil)

	_, err := store.CreateSemantic(ctx, 7, "low value", memory.WithImportance(0.5))
	require.NoError(t, err)
	high, err := store.CreateSemantic(ctx, 7, "high value", memory.WithImportance(0.8))
	require.NoError(t, err)

	recs, err := store.Query(ctx, memory.Filter{OwnerID: 7, MinImportance: 0.6})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, high.ID, recs[0].ID)
}

func TestQueryExcludesExpiredUnlessOptedIn(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, &fakeRepo{}, nil)

	past := time.Now().Add(-time.Hour)
	_, err := store.CreateEpisodic(ctx, 7, "stale event", memory.WithExpiresAt(past))
	require.NoError(t, err)
	_, err = store.CreateEpisodic(ctx, 7, "fresh event")
	require.NoError(t, err)

	recs, err := store.QueryEpisodic(ctx, memory.Filter{OwnerID: 7})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "fresh event", recs[0].Content)

	all, err := store.QueryEpisodic(ctx, memory.Filter{OwnerID: 7, IncludeExpired: true})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestQuerySimilarityRanking(t *testing.T) {
	ctx := context.Background()
	embedder := &stubEmbedder{vectors: map[string][]float32{
		"diet": {1, 0},
	}}
	store := newTestStore(t, &fakeRepo{}, embedder)

	base := time.Now().Add(-time.Hour)
	first, err := store.Create(ctx, &memory.MemoryRecord{
		OwnerID: 7, Tier: memory.TierSemantic, Content: "likes salads",
		Embedding: []float32{1, 0}, CreatedAt: base,
	})
	require.NoError(t, err)
	second, err := store.Create(ctx, &memory.MemoryRecord{
		OwnerID: 7, Tier: memory.TierSemantic, Content: "walks daily",
		Embedding: []float32{0, 1}, CreatedAt: base.Add(time.Minute),
	})
	require.NoError(t, err)
	third, err := store.Create(ctx, &memory.MemoryRecord{
		OwnerID: 7, Tier: memory.TierSemantic, Content: "no embedding yet",
		CreatedAt: base.Add(2 * time.Minute),
	})
	require.NoError(t, err)

	recs, err := store.Query(ctx, memory.Filter{OwnerID: 7, Text: "diet"})
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, first.ID, recs[0].ID, "cosine 1.0 ranks first")
	// The remaining two both score 0; stable sort keeps recency order
	// (newest first) between them.
	assert.Equal(t, third.ID, recs[1].ID)
	assert.Equal(t, second.ID, recs[2].ID)
}

func TestQueryEmbedFailureSkipsRanking(t *testing.T) {
	ctx := context.Background()
	embedder := &stubEmbedder{fail: true}
	store := newTestStore(t, &fakeRepo{}, embedder)

	_, err := store.Create(ctx, &memory.MemoryRecord{
		OwnerID: 7, Tier: memory.TierSemantic, Content: "a fact",
		Embedding: []float32{1, 0},
	})
	require.NoError(t, err)

	recs, err := store.Query(ctx, memory.Filter{OwnerID: 7, Text: "anything"})
	require.NoError(t, err, "an unreachable embedder must never block a query")
	assert.Len(t, recs, 1)
}

func TestOfflineCreateAndSync(t *testing.T) {
	ctx := context.Background()
	repo := &fakeRepo{}
	embedder := &stubEmbedder{vectors: map[string][]float32{"skipped dinner": {1, 1}}}
	store := newTestStore(t, repo, embedder)

	require.NoError(t, store.SetConnected(ctx, false))

	rec, err := store.CreateEpisodic(ctx, 7, "skipped dinner")
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, 1, store.PendingOperations())
	assert.Nil(t, repo.byID(rec.ID), "buffered records must not reach the repository before sync")

	// Visible to offline queries.
	offline, err := store.QueryEpisodic(ctx, memory.Filter{OwnerID: 7})
	require.NoError(t, err)
	require.Len(t, offline, 1)
	assert.Equal(t, "skipped dinner", offline[0].Content)

	require.NoError(t, store.SetConnected(ctx, true))
	assert.Equal(t, 0, store.PendingOperations())

	synced := repo.byID(rec.ID)
	require.NotNil(t, synced, "the buffered create must reach the repository after sync")
	assert.Equal(t, "skipped dinner", synced.Content)
	assert.NotEmpty(t, synced.Embedding, "missing embeddings are generated during reconciliation")

	online, err := store.Query(ctx, memory.Filter{OwnerID: 7, Tier: memory.TierEpisodic})
	require.NoError(t, err)
	require.Len(t, online, 1)
	assert.Equal(t, rec.ID, online[0].ID, "offline-created records keep their id across sync")
}

func TestReconcilePreservesEnqueueOrder(t *testing.T) {
	ctx := context.Background()
	repo := &fakeRepo{}
	store := newTestStore(t, repo, nil)

	require.NoError(t, store.SetConnected(ctx, false))
	r1, err := store.CreateSemantic(ctx, 7, "first")
	require.NoError(t, err)
	r2, err := store.CreateSemantic(ctx, 7, "second")
	require.NoError(t, err)

	require.NoError(t, store.SetConnected(ctx, true))

	require.Len(t, repo.recs, 2)
	assert.Equal(t, r1.ID, repo.recs[0].ID, "oldest pending operation commits first")
	assert.Equal(t, r2.ID, repo.recs[1].ID)
}

func TestReconcileRequeuesFailures(t *testing.T) {
	ctx := context.Background()
	repo := &fakeRepo{failInsert: true}
	store := newTestStore(t, repo, nil)

	require.NoError(t, store.SetConnected(ctx, false))
	_, err := store.CreateSemantic(ctx, 7, "first")
	require.NoError(t, err)
	_, err = store.CreateSemantic(ctx, 7, "second")
	require.NoError(t, err)

	require.NoError(t, store.SetConnected(ctx, true))
	assert.Equal(t, 2, store.PendingOperations(), "failed operations are retained, not dropped")

	repo.mu.Lock()
	repo.failInsert = false
	repo.mu.Unlock()

	stats, err := store.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Replayed)
	assert.Equal(t, 0, store.PendingOperations())
	require.Len(t, repo.recs, 2)
	assert.Equal(t, "first", repo.recs[0].Content)
	assert.Equal(t, "second", repo.recs[1].Content)
}

func TestReconcileDropsAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	repo := &fakeRepo{failInsert: true}
	cfg := memory.DefaultConfig()
	cfg.MaxReplayAttempts = 1
	store := memory.New(repo, nil, cfg)

	require.NoError(t, store.SetConnected(ctx, false))
	_, err := store.CreateSemantic(ctx, 7, "doomed")
	require.NoError(t, err)

	require.NoError(t, store.SetConnected(ctx, true))
	assert.Equal(t, 0, store.PendingOperations())
}

func TestSetConnectedEdgeTriggersOnce(t *testing.T) {
	ctx := context.Background()
	repo := &fakeRepo{}
	store := newTestStore(t, repo, nil)

	require.NoError(t, store.SetConnected(ctx, false))
	_, err := store.CreateSemantic(ctx, 7, "buffered")
	require.NoError(t, err)

	// false → false is not an edge.
	require.NoError(t, store.SetConnected(ctx, false))
	assert.Equal(t, 1, store.PendingOperations())

	require.NoError(t, store.SetConnected(ctx, true))
	assert.Equal(t, 0, store.PendingOperations())

	// true → true is not an edge either.
	require.NoError(t, store.SetConnected(ctx, true))
	assert.Len(t, repo.recs, 1)
}

func TestPendingLogBound(t *testing.T) {
	ctx := context.Background()
	cfg := memory.DefaultConfig()
	cfg.MaxPendingOps = 1
	store := memory.New(&fakeRepo{}, nil, cfg)

	require.NoError(t, store.SetConnected(ctx, false))
	_, err := store.CreateSemantic(ctx, 7, "fits")
	require.NoError(t, err)
	_, err = store.CreateSemantic(ctx, 7, "overflows")
	assert.ErrorIs(t, err, memory.ErrPendingLogFull)
}

func TestSweepExpired(t *testing.T) {
	ctx := context.Background()
	repo := &fakeRepo{}
	store := newTestStore(t, repo, nil)

	past := time.Now().Add(-time.Hour)
	_, err := store.CreateEpisodic(ctx, 7, "stale", memory.WithExpiresAt(past))
	require.NoError(t, err)
	_, err = store.CreateSemantic(ctx, 7, "keeps")
	require.NoError(t, err)

	count, err := store.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	require.Len(t, repo.recs, 1)
	assert.Equal(t, "keeps", repo.recs[0].Content)
}

func TestSweepExpiredOfflineIsNoop(t *testing.T) {
	ctx := context.Background()
	repo := &fakeRepo{failDelete: true} // would error if reached
	store := newTestStore(t, repo, nil)

	require.NoError(t, store.SetConnected(ctx, false))
	count, err := store.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestSweepExpiredFailureReturnsTypedError(t *testing.T) {
	repo := &fakeRepo{failDelete: true}
	store := newTestStore(t, repo, nil)

	_, err := store.SweepExpired(context.Background())
	assert.ErrorIs(t, err, memory.ErrStorageUnavailable)
}

// fakeVectorRepo implements VectorSearcher on top of fakeRepo, returning
// records in a canned order to prove the facade delegates ranking.
type fakeVectorRepo struct {
	fakeRepo
	searched bool
}

func (r *fakeVectorRepo) SearchByEmbedding(ctx context.Context, ownerID int64, embedding []float32, limit int) ([]*memory.MemoryRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.searched = true
	var out []*memory.MemoryRecord
	// Reverse insertion order stands in for a similarity ordering.
	for i := len(r.recs) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		if r.recs[i].OwnerID == ownerID {
			out = append(out, r.recs[i].Clone())
		}
	}
	return out, nil
}

func TestQueryDelegatesToVectorSearcher(t *testing.T) {
	ctx := context.Background()
	repo := &fakeVectorRepo{}
	embedder := &stubEmbedder{vectors: map[string][]float32{"q": {1, 0}}}
	store := newTestStore(t, repo, embedder)

	for i := 0; i < 3; i++ {
		_, err := store.Create(ctx, &memory.MemoryRecord{
			OwnerID: 7, Tier: memory.TierSemantic,
			Content:   fmt.Sprintf("fact %d", i),
			Embedding: []float32{1, 0},
		})
		require.NoError(t, err)
	}

	recs, err := store.Query(ctx, memory.Filter{OwnerID: 7, Text: "q"})
	require.NoError(t, err)
	assert.True(t, repo.searched, "repositories with vector search rank server-side")
	require.Len(t, recs, 3)
	assert.Equal(t, "fact 2", recs[0].Content)
}

func TestQueryVectorSearchFiltersBeforeLimit(t *testing.T) {
	ctx := context.Background()
	repo := &fakeVectorRepo{}
	embedder := &stubEmbedder{vectors: map[string][]float32{"q": {1, 0}}}
	store := newTestStore(t, repo, embedder)

	// The best-ranked candidate fails the importance filter; the matching
	// record ranks behind it and must survive the limit.
	matching, err := store.Create(ctx, &memory.MemoryRecord{
		OwnerID: 7, Tier: memory.TierSemantic, Content: "important but less similar",
		Importance: 0.9, Embedding: []float32{0.7, 0.7},
	})
	require.NoError(t, err)
	_, err = store.Create(ctx, &memory.MemoryRecord{
		OwnerID: 7, Tier: memory.TierSemantic, Content: "similar but unimportant",
		Importance: 0.2, Embedding: []float32{1, 0},
	})
	require.NoError(t, err)

	recs, err := store.Query(ctx, memory.Filter{OwnerID: 7, Text: "q", MinImportance: 0.5, Limit: 1})
	require.NoError(t, err)
	require.Len(t, recs, 1, "a match ranked past the limit must not be lost")
	assert.Equal(t, matching.ID, recs[0].ID)
}
