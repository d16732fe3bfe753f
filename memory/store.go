package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// TieredStore is the public surface of the memory subsystem. It routes
// creates and queries to either the persistent repository or the offline
// cache depending on connectivity, applies similarity ranking when a text
// query is supplied, and replays buffered offline writes once connectivity
// returns.
//
// Construct one per process with New; dependencies are injected so tests can
// run isolated instances.
type TieredStore struct {
	repo     Repository
	embedder Embedder // optional; nil disables embeddings and ranking
	config   *Config
	cache    *offlineCache
	now      func() time.Time

	// mu guards the connectivity flag.
	mu        sync.Mutex
	connected bool

	// writeMu serializes online inserts with reconciliation passes, so a
	// create issued during a pass orders after the replayed history.
	writeMu sync.Mutex
}

// New creates a TieredStore backed by repo. embedder may be nil; the store
// then skips embedding generation and similarity ranking. A nil config means
// DefaultConfig. The store starts connected.
func New(repo Repository, embedder Embedder, config *Config) *TieredStore {
	if config == nil {
		config = DefaultConfig()
	}
	return &TieredStore{
		repo:      repo,
		embedder:  embedder,
		config:    config,
		cache:     newOfflineCache(config.MaxPendingOps),
		now:       time.Now,
		connected: true,
	}
}

// Connected reports the current connectivity flag.
func (s *TieredStore) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// PendingOperations returns the length of the offline pending log.
func (s *TieredStore) PendingOperations() int {
	return s.cache.pendingLen()
}

// SetConnected updates the connectivity flag. The flag is driven entirely by
// the host application; the store performs no health checks of its own. A
// false→true transition triggers exactly one reconciliation pass; any other
// transition does nothing.
func (s *TieredStore) SetConnected(ctx context.Context, connected bool) error {
	s.mu.Lock()
	prev := s.connected
	s.connected = connected
	s.mu.Unlock()

	if !prev && connected {
		_, err := s.Reconcile(ctx)
		return err
	}
	return nil
}

// Create persists a new memory record. While online the record is embedded
// (best-effort) and inserted into the repository; a repository failure
// propagates as ErrStorageUnavailable rather than silently downgrading to
// offline mode. While offline the record is buffered and a pending create
// is enqueued for later reconciliation.
//
// The record id is a client-minted UUID assigned here, so offline-created
// records keep their identity across sync.
func (s *TieredStore) Create(ctx context.Context, rec *MemoryRecord) (*MemoryRecord, error) {
	if err := validateRecord(rec); err != nil {
		return nil, err
	}
	rec = rec.Clone()
	now := s.now()
	s.normalize(rec, now)

	if !s.Connected() {
		if err := s.cache.add(rec, now); err != nil {
			return nil, err
		}
		return rec.Clone(), nil
	}

	if s.embedder != nil && len(rec.Embedding) == 0 {
		vec, err := s.embed(ctx, rec.Content)
		if err != nil {
			log.Warn("Create: embedding unavailable, storing without", "id", rec.ID, "err", err)
		} else {
			rec.Embedding = vec
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	insertCtx, cancel := s.storeCtx(ctx)
	defer cancel()
	stored, err := s.repo.Insert(insertCtx, rec)
	if err != nil {
		return nil, fmt.Errorf("%w: insert: %w", ErrStorageUnavailable, err)
	}
	return stored, nil
}

// Query returns the owner's records matching the filter. While online the
// repository applies the field filters; while offline the cache is filtered
// in memory. When Filter.Text is set and an embedder is configured, results
// are ranked by cosine similarity to the query, stable on ties so recency
// order survives.
//
// A repository failure returns ErrStorageUnavailable so callers can
// distinguish "could not determine" from a confirmed empty result.
// Successful retrieval bumps AccessCount and LastAccessedAt on every
// returned record.
func (s *TieredStore) Query(ctx context.Context, f Filter) ([]*MemoryRecord, error) {
	if f.OwnerID == 0 {
		return nil, fmt.Errorf("%w: owner id is required", ErrInvalidFilter)
	}
	if f.Limit <= 0 {
		f.Limit = s.config.DefaultQueryLimit
	}
	now := s.now()

	var queryVec []float32
	if f.Text != "" && s.embedder != nil {
		vec, err := s.embed(ctx, f.Text)
		if err != nil {
			log.Warn("Query: embedding unavailable, skipping similarity ranking", "err", err)
		} else {
			queryVec = vec
		}
	}

	var recs []*MemoryRecord
	ranked := false
	if s.Connected() {
		queryCtx, cancel := s.storeCtx(ctx)
		defer cancel()

		var err error
		if vs, ok := s.repo.(VectorSearcher); ok && len(queryVec) > 0 {
			// Fetch every candidate: the field filters run after ranking,
			// so truncating first could drop matches that ranked past the
			// limit. filterRecords applies the limit at the end.
			recs, err = vs.SearchByEmbedding(queryCtx, f.OwnerID, queryVec, 0)
			if err == nil {
				recs = filterRecords(recs, f, now)
				ranked = true
			}
		} else {
			recs, err = s.repo.Query(queryCtx, f)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: query: %w", ErrStorageUnavailable, err)
		}
	} else {
		recs = s.cache.query(f, now)
	}

	if len(queryVec) > 0 && !ranked {
		rankBySimilarity(recs, queryVec)
	}

	s.markAccessed(ctx, f.OwnerID, recs, now)
	return recs, nil
}

// SweepExpired deletes persisted records whose retention window has elapsed
// and returns the count removed. It is a no-op returning 0 while offline.
func (s *TieredStore) SweepExpired(ctx context.Context) (int64, error) {
	if !s.Connected() {
		return 0, nil
	}
	sweepCtx, cancel := s.storeCtx(ctx)
	defer cancel()

	count, err := s.repo.DeleteExpired(sweepCtx, s.now())
	if err != nil {
		return 0, fmt.Errorf("%w: sweep: %w", ErrStorageUnavailable, err)
	}
	if count > 0 {
		log.Info("Sweep: removed expired memories", "count", count)
	}
	return count, nil
}

// ReconcileStats summarizes one reconciliation pass.
type ReconcileStats struct {
	// Replayed operations committed to the repository.
	Replayed int
	// Requeued operations failed and will be retried on a later pass.
	Requeued int
	// Dropped operations exhausted MaxReplayAttempts.
	Dropped int
	// Skipped operations have kinds the reconciler does not replay.
	Skipped int
}

// Reconcile drains the pending-operation log in enqueue order, generating
// missing embeddings best-effort and inserting each buffered create into the
// repository. Operations are attempted independently: a failure is logged,
// re-enqueued for a later pass, and never aborts the rest. SetConnected
// triggers this automatically on an offline→online edge; hosts may also call
// it directly to retry previously failed operations.
//
// New writes are blocked for the duration of the pass, so they order after
// the replayed history.
func (s *TieredStore) Reconcile(ctx context.Context) (ReconcileStats, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var stats ReconcileStats
	ops := s.cache.drain()
	if len(ops) == 0 {
		return stats, nil
	}
	log.Info("Reconcile: starting", "pending", len(ops))

	var failed []PendingOperation
	for i, op := range ops {
		if ctx.Err() != nil {
			// Put everything not yet attempted back, behind the failures.
			failed = append(failed, ops[i:]...)
			s.cache.requeue(failed)
			s.cache.rebuildRecords()
			return stats, ctx.Err()
		}
		switch op.Kind {
		case OpCreate:
			if s.replayCreate(ctx, op.Record) {
				stats.Replayed++
				continue
			}
			op.Attempts++
			if s.config.MaxReplayAttempts > 0 && op.Attempts >= s.config.MaxReplayAttempts {
				stats.Dropped++
				log.Error("Reconcile: dropping operation after repeated failures",
					"id", op.Record.ID, "attempts", op.Attempts)
			} else {
				stats.Requeued++
				failed = append(failed, op)
			}
		default:
			stats.Skipped++
			log.Warn("Reconcile: skipping unsupported operation", "kind", op.Kind)
		}
	}

	s.cache.requeue(failed)
	s.cache.rebuildRecords()
	log.Info("Reconcile: finished",
		"replayed", stats.Replayed, "requeued", stats.Requeued,
		"dropped", stats.Dropped, "skipped", stats.Skipped)
	return stats, nil
}

// replayCreate attempts one buffered create. Missing embeddings are
// generated if the embedder is reachable; embedding failure is not fatal,
// the record is stored without one.
func (s *TieredStore) replayCreate(ctx context.Context, rec *MemoryRecord) bool {
	if s.embedder != nil && len(rec.Embedding) == 0 {
		vec, err := s.embed(ctx, rec.Content)
		if err != nil {
			log.Warn("Reconcile: embedding unavailable, syncing without", "id", rec.ID, "err", err)
		} else {
			rec.Embedding = vec
		}
	}
	insertCtx, cancel := s.storeCtx(ctx)
	defer cancel()
	if _, err := s.repo.Insert(insertCtx, rec); err != nil {
		log.Warn("Reconcile: insert failed", "id", rec.ID, "err", err)
		return false
	}
	return true
}

// CreateSemantic stores a fact or piece of knowledge about the owner.
// Defaults: long_term retention, medium importance.
func (s *TieredStore) CreateSemantic(ctx context.Context, ownerID int64, content string, opts ...RecordOption) (*MemoryRecord, error) {
	return s.createTier(ctx, TierSemantic, ownerID, content, opts)
}

// CreateProcedural stores a behavioral rule for interacting with the owner.
// Defaults: long_term retention, high importance.
func (s *TieredStore) CreateProcedural(ctx context.Context, ownerID int64, content string, opts ...RecordOption) (*MemoryRecord, error) {
	return s.createTier(ctx, TierProcedural, ownerID, content, opts)
}

// CreateEpisodic stores a past interaction event.
// Defaults: medium_term retention, medium importance.
func (s *TieredStore) CreateEpisodic(ctx context.Context, ownerID int64, content string, opts ...RecordOption) (*MemoryRecord, error) {
	return s.createTier(ctx, TierEpisodic, ownerID, content, opts)
}

// QuerySemantic queries with the tier fixed to semantic.
func (s *TieredStore) QuerySemantic(ctx context.Context, f Filter) ([]*MemoryRecord, error) {
	f.Tier = TierSemantic
	return s.Query(ctx, f)
}

// QueryProcedural queries with the tier fixed to procedural.
func (s *TieredStore) QueryProcedural(ctx context.Context, f Filter) ([]*MemoryRecord, error) {
	f.Tier = TierProcedural
	return s.Query(ctx, f)
}

// QueryEpisodic queries with the tier fixed to episodic.
func (s *TieredStore) QueryEpisodic(ctx context.Context, f Filter) ([]*MemoryRecord, error) {
	f.Tier = TierEpisodic
	return s.Query(ctx, f)
}

// RecordOption customizes a record built by the tier convenience wrappers.
type RecordOption func(*MemoryRecord)

// WithImportance overrides the tier's default importance. v must be in
// (0, 1]; zero is the unset value and falls back to the tier default.
func WithImportance(v float64) RecordOption {
	return func(rec *MemoryRecord) { rec.Importance = v }
}

// WithRetention overrides the tier's default retention class.
func WithRetention(r Retention) RecordOption {
	return func(rec *MemoryRecord) { rec.Retention = r }
}

// WithContext attaches opaque caller metadata to the record.
func WithContext(c map[string]interface{}) RecordOption {
	return func(rec *MemoryRecord) { rec.Context = c }
}

// WithExpiresAt overrides the retention-derived expiry.
func WithExpiresAt(t time.Time) RecordOption {
	return func(rec *MemoryRecord) { rec.ExpiresAt = &t }
}

func (s *TieredStore) createTier(ctx context.Context, tier Tier, ownerID int64, content string, opts []RecordOption) (*MemoryRecord, error) {
	rec := &MemoryRecord{
		OwnerID: ownerID,
		Tier:    tier,
		Content: content,
	}
	for _, opt := range opts {
		opt(rec)
	}
	return s.Create(ctx, rec)
}

// markAccessed records that the given records were included in a retrieval:
// the repository (or cache) originals and the returned copies both get their
// access metadata bumped. Repository failures here are best-effort only.
func (s *TieredStore) markAccessed(ctx context.Context, ownerID int64, recs []*MemoryRecord, at time.Time) {
	if len(recs) == 0 {
		return
	}
	ids := make([]string, len(recs))
	idSet := make(map[string]bool, len(recs))
	for i, rec := range recs {
		ids[i] = rec.ID
		idSet[rec.ID] = true
	}

	if s.Connected() {
		updateCtx, cancel := s.storeCtx(ctx)
		defer cancel()
		if err := s.repo.UpdateAccessMetadata(updateCtx, ids, at); err != nil {
			log.Warn("Query: access metadata update failed", "err", err)
		}
	} else {
		s.cache.markAccessed(ownerID, idSet, at)
	}

	for _, rec := range recs {
		rec.AccessCount++
		t := at
		rec.LastAccessedAt = &t
	}
}

// filterRecords applies Filter's field predicates client-side, preserving
// input order. Used on results from server-side vector search, which ranks
// but does not filter.
func filterRecords(recs []*MemoryRecord, f Filter, now time.Time) []*MemoryRecord {
	out := recs[:0]
	for _, rec := range recs {
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
		out = append(out, rec)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

func (s *TieredStore) embed(ctx context.Context, text string) ([]float32, error) {
	if s.config.EmbedTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.EmbedTimeout)
		defer cancel()
	}
	return s.embedder.Embed(ctx, text)
}

func (s *TieredStore) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.config.StoreTimeout > 0 {
		return context.WithTimeout(ctx, s.config.StoreTimeout)
	}
	return ctx, func() {}
}
