// Package memory implements a tiered, offline-tolerant memory store for
// agent knowledge about a user.
//
// Records are classified by tier (semantic facts, procedural rules, episodic
// events) and a retention class that drives default expiry. Retrieval can be
// ranked by vector similarity against a text query when an embedder is
// configured.
//
// Architecture:
//   - MemoryRecord: the stored entity and its invariants
//   - Repository: persistent storage backend (sqlite for durable storage,
//     chromem for embedded vector search)
//   - Embedder: text-to-vector conversion (OpenAI-compatible API, cached,
//     or mock)
//   - TieredStore: the facade that routes between the persistent repository
//     and the offline cache based on connectivity
//
// Offline behavior: while disconnected, writes are buffered per owner in an
// in-memory cache together with an ordered pending-operation log. When the
// host application reports connectivity restored via SetConnected(true), the
// log is replayed oldest-first against the repository; items that fail to
// commit are re-enqueued for a later pass.
//
// The store has no internal goroutines. All operations are synchronous and
// the host controls scheduling; repository and embedder calls are the only
// suspension points and are bounded by configurable timeouts.
package memory
