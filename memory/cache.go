package memory

import (
	"sort"
	"sync"
	"time"
)

// OpKind identifies the type of a buffered offline operation.
type OpKind string

const (
	OpCreate OpKind = "create"
	// OpUpdate and OpDelete are accepted into the log but skipped by the
	// reconciler; only creates are replayed today.
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// PendingOperation is one write accepted while offline, awaiting replay.
type PendingOperation struct {
	Kind       OpKind
	Record     *MemoryRecord
	EnqueuedAt time.Time

	// Attempts counts failed replay passes. Operations past the configured
	// cap are dropped instead of re-enqueued.
	Attempts int
}

// offlineCache buffers records created while disconnected, per owner, plus
// the ordered pending-operation log. It is pure in-memory computation and
// never suspends; all methods are safe for concurrent use.
type offlineCache struct {
	mu         sync.Mutex
	records    map[int64][]*MemoryRecord
	pending    []PendingOperation
	maxPending int
}

func newOfflineCache(maxPending int) *offlineCache {
	return &offlineCache{
		records:    make(map[int64][]*MemoryRecord),
		maxPending: maxPending,
	}
}

// add buffers a record and appends a create operation to the pending log.
// It fails once the log is at capacity so an extended outage cannot grow
// memory without bound.
func (c *offlineCache) add(rec *MemoryRecord, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.maxPending > 0 && len(c.pending) >= c.maxPending {
		return ErrPendingLogFull
	}
	c.records[rec.OwnerID] = append(c.records[rec.OwnerID], rec)
	c.pending = append(c.pending, PendingOperation{
		Kind:       OpCreate,
		Record:     rec,
		EnqueuedAt: at,
	})
	return nil
}

// query filters the buffered records for one owner, newest first. Returned
// records are clones; the caller may mutate them freely.
func (c *offlineCache) query(f Filter, now time.Time) []*MemoryRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*MemoryRecord
	for _, rec := range c.records[f.OwnerID] {
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
	return out
}

// markAccessed bumps retrieval metadata on the buffered originals for the
// given ids.
func (c *offlineCache) markAccessed(ownerID int64, ids map[string]bool, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rec := range c.records[ownerID] {
		if ids[rec.ID] {
			rec.AccessCount++
			t := at
			rec.LastAccessedAt = &t
		}
	}
}

// drain removes and returns the whole pending log in enqueue order (oldest
// first, preserving causal creation order).
func (c *offlineCache) drain() []PendingOperation {
	c.mu.Lock()
	defer c.mu.Unlock()
	ops := c.pending
	c.pending = nil
	sort.SliceStable(ops, func(i, j int) bool {
		return ops[i].EnqueuedAt.Before(ops[j].EnqueuedAt)
	})
	return ops
}

// requeue puts failed operations back at the head of the log so the next
// reconciliation pass retries them before anything buffered since.
func (c *offlineCache) requeue(ops []PendingOperation) {
	if len(ops) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(ops, c.pending...)
}

// rebuildRecords resets the per-owner buffers to exactly the records still
// awaiting replay. Called after a reconciliation pass: committed records
// leave the cache, records pending retry (or buffered during the pass) stay
// visible to offline queries.
func (c *offlineCache) rebuildRecords() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = make(map[int64][]*MemoryRecord)
	for _, op := range c.pending {
		if op.Kind == OpCreate && op.Record != nil {
			c.records[op.Record.OwnerID] = append(c.records[op.Record.OwnerID], op.Record)
		}
	}
}

// pendingLen returns the current pending log length.
func (c *offlineCache) pendingLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
