// Package sqlite provides the relational Repository implementation on
// gorm + sqlite. It applies record filters server-side and returns results
// in recency order; similarity ranking stays with the facade.
package sqlite

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/carebridge/recall/memory"
)

// Store is a gorm-backed memory.Repository.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if needed) the sqlite database at path and migrates
// the memories table. Use ":memory:" for an ephemeral database.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.AutoMigrate(&memory.MemoryRecord{}); err != nil {
		return nil, fmt.Errorf("migrate memories: %w", err)
	}
	return &Store{db: db}, nil
}

// Insert persists a record and returns the stored copy.
func (s *Store) Insert(ctx context.Context, rec *memory.MemoryRecord) (*memory.MemoryRecord, error) {
	stored := rec.Clone()
	if err := s.db.WithContext(ctx).Create(stored).Error; err != nil {
		return nil, fmt.Errorf("insert memory: %w", err)
	}
	return stored, nil
}

// Query returns records matching the filter, newest first. Filter.Text is
// ignored by contract.
func (s *Store) Query(ctx context.Context, f memory.Filter) ([]*memory.MemoryRecord, error) {
	q := s.db.WithContext(ctx).
		Model(&memory.MemoryRecord{}).
		Where("owner_id = ?", f.OwnerID)

	if f.Tier != "" {
		q = q.Where("tier = ?", f.Tier)
	}
	if f.Retention != "" {
		q = q.Where("retention = ?", f.Retention)
	}
	if f.MinImportance > 0 {
		q = q.Where("importance >= ?", f.MinImportance)
	}
	if !f.IncludeExpired {
		q = q.Where("expires_at IS NULL OR expires_at >= ?", time.Now())
	}
	q = q.Order("created_at DESC")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var recs []*memory.MemoryRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	return recs, nil
}

// UpdateAccessMetadata increments access counts and stamps last-accessed for
// the given ids in one statement.
func (s *Store) UpdateAccessMetadata(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).
		Model(&memory.MemoryRecord{}).
		Where("id IN ?", ids).
		Updates(map[string]interface{}{
			"access_count":     gorm.Expr("access_count + 1"),
			"last_accessed_at": at,
		}).Error
	if err != nil {
		return fmt.Errorf("update access metadata: %w", err)
	}
	return nil
}

// DeleteExpired removes records whose expiry is strictly before now.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at < ?", now).
		Delete(&memory.MemoryRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete expired: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
