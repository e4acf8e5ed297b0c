// Package sqlstore is the durable record store, kept in the service database
// through gorm.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ksred/klear-ephemeral/internal/store"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var rec Record
	if err := s.db.WithContext(ctx).Where("record_key = ?", key).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("sqlstore: get %s: %w", key, err)
	}
	return rec.Data, nil
}

// Apply runs the whole batch in one transaction. Versions are bumped on every
// write so checkpoints can be told apart in the table.
func (s *Store) Apply(ctx context.Context, b *store.Batch) error {
	if b.Empty() {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		for key, data := range b.Puts {
			rec := Record{Key: key, Data: data, Version: 1, UpdatedAt: now}
			err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "record_key"}},
				DoUpdates: clause.Assignments(map[string]interface{}{
					"data":       data,
					"version":    gorm.Expr("version + 1"),
					"updated_at": now,
				}),
			}).Create(&rec).Error
			if err != nil {
				return fmt.Errorf("sqlstore: put %s: %w", key, err)
			}
		}
		if len(b.Deletes) > 0 {
			if err := tx.Where("record_key IN ?", b.Deletes).Delete(&Record{}).Error; err != nil {
				return fmt.Errorf("sqlstore: delete: %w", err)
			}
		}
		return nil
	})
}

// Version returns how many times key has been written.
func (s *Store) Version(ctx context.Context, key string) (uint64, error) {
	var rec Record
	if err := s.db.WithContext(ctx).Select("version").Where("record_key = ?", key).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, store.ErrNotFound
		}
		return 0, err
	}
	return rec.Version, nil
}

var _ store.Store = (*Store)(nil)
