package memory

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Tier classifies what a memory record is about.
type Tier string

const (
	// TierSemantic holds facts and knowledge ("prefers low-sodium meals").
	TierSemantic Tier = "semantic"
	// TierProcedural holds behavioral rules ("always confirm before ordering").
	TierProcedural Tier = "procedural"
	// TierEpisodic holds past interaction events ("skipped dinner on Tuesday").
	TierEpisodic Tier = "episodic"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierSemantic, TierProcedural, TierEpisodic:
		return true
	}
	return false
}

// Retention is a coarse hint for the default expiry policy.
type Retention string

const (
	RetentionShortTerm  Retention = "short_term"
	RetentionMediumTerm Retention = "medium_term"
	// RetentionLongTerm records never expire by default.
	RetentionLongTerm Retention = "long_term"
)

// Valid reports whether r is a known retention class.
func (r Retention) Valid() bool {
	switch r {
	case RetentionShortTerm, RetentionMediumTerm, RetentionLongTerm:
		return true
	}
	return false
}

// Conventional importance anchors. Importance is continuous in [0, 1];
// filtering always compares the continuous value, never the anchor name.
const (
	ImportanceLow      = 0.2
	ImportanceMedium   = 0.5
	ImportanceHigh     = 0.8
	ImportanceCritical = 1.0
)

// MemoryRecord is a single piece of accumulated knowledge about a user.
//
// IDs are client-minted UUIDs assigned at create time, so a record keeps the
// same identity whether it was created online or buffered offline and synced
// later.
type MemoryRecord struct {
	ID         string    `json:"id" gorm:"primaryKey"`
	OwnerID    int64     `json:"ownerId" gorm:"index;not null"`
	Tier      Tier      `json:"tier" gorm:"index;not null"`
	Retention Retention `json:"retention" gorm:"not null"`
	Content   string    `json:"content" gorm:"not null"`

	// Importance in (0, 1]. Zero means unset: creation replaces it with
	// the tier default, so stored records always carry an importance > 0.
	Importance float64 `json:"importance"`

	// Embedding is present only if generated; records without one rank with
	// similarity 0 in text queries.
	Embedding []float32 `json:"embedding,omitempty" gorm:"serializer:json"`

	// Context is arbitrary caller metadata, never interpreted by the store.
	Context map[string]interface{} `json:"context,omitempty" gorm:"serializer:json"`

	CreatedAt time.Time `json:"createdAt"`

	// ExpiresAt nil means the record never expires.
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`

	// LastAccessedAt and AccessCount mutate only as a side effect of
	// retrieval, never of creation.
	LastAccessedAt *time.Time `json:"lastAccessedAt,omitempty"`
	AccessCount    int        `json:"accessCount"`
}

// TableName implements gorm.Tabler for the relational repository.
func (MemoryRecord) TableName() string { return "memories" }

// Expired reports whether the record's retention window has elapsed at now.
func (m *MemoryRecord) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && m.ExpiresAt.Before(now)
}

// Clone returns a deep copy. The store hands out clones so callers can never
// mutate cached state through a returned record.
func (m *MemoryRecord) Clone() *MemoryRecord {
	c := *m
	if m.Embedding != nil {
		c.Embedding = make([]float32, len(m.Embedding))
		copy(c.Embedding, m.Embedding)
	}
	if m.Context != nil {
		c.Context = make(map[string]interface{}, len(m.Context))
		for k, v := range m.Context {
			c.Context[k] = v
		}
	}
	if m.ExpiresAt != nil {
		t := *m.ExpiresAt
		c.ExpiresAt = &t
	}
	if m.LastAccessedAt != nil {
		t := *m.LastAccessedAt
		c.LastAccessedAt = &t
	}
	return &c
}

// defaultRetention maps a tier to its conventional retention class.
func defaultRetention(tier Tier) Retention {
	if tier == TierEpisodic {
		return RetentionMediumTerm
	}
	return RetentionLongTerm
}

// defaultImportance maps a tier to its conventional importance anchor.
func defaultImportance(tier Tier) float64 {
	if tier == TierProcedural {
		return ImportanceHigh
	}
	return ImportanceMedium
}

// normalize fills derived fields on a record about to be created:
// id, createdAt, retention, importance, and the retention-driven expiry.
// Explicitly set values win.
func (s *TieredStore) normalize(rec *MemoryRecord, now time.Time) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.Retention == "" {
		rec.Retention = defaultRetention(rec.Tier)
	}
	if rec.Importance == 0 {
		rec.Importance = defaultImportance(rec.Tier)
	}
	if rec.ExpiresAt == nil {
		var ttl time.Duration
		switch rec.Retention {
		case RetentionShortTerm:
			ttl = s.config.ShortTermTTL
		case RetentionMediumTerm:
			ttl = s.config.MediumTermTTL
		}
		if ttl > 0 {
			t := now.Add(ttl)
			rec.ExpiresAt = &t
		}
	}
	rec.AccessCount = 0
	rec.LastAccessedAt = nil
}

// validateRecord checks the invariants a record must satisfy before creation.
func validateRecord(rec *MemoryRecord) error {
	if rec == nil {
		return fmt.Errorf("%w: record is nil", ErrInvalidRecord)
	}
	if rec.OwnerID == 0 {
		return fmt.Errorf("%w: owner id is required", ErrInvalidRecord)
	}
	if !rec.Tier.Valid() {
		return fmt.Errorf("%w: unknown tier %q", ErrInvalidRecord, rec.Tier)
	}
	if rec.Retention != "" && !rec.Retention.Valid() {
		return fmt.Errorf("%w: unknown retention %q", ErrInvalidRecord, rec.Retention)
	}
	if rec.Content == "" {
		return fmt.Errorf("%w: content is required", ErrInvalidRecord)
	}
	if rec.Importance < 0 || rec.Importance > 1 {
		return fmt.Errorf("%w: importance %v outside [0, 1]", ErrInvalidRecord, rec.Importance)
	}
	return nil
}
