package delegation

import (
	"context"
	"errors"
	"time"

	"github.com/ksred/klear-ephemeral/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GetDelegation returns nil, nil when the record has no owner row.
func (d *Database) GetDelegation(ctx context.Context, key string) (*Delegation, error) {
	var del Delegation
	if err := d.db.WithContext(ctx).Where("record_key = ?", key).First(&del).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &del, nil
}

func (d *Database) CreateDelegation(ctx context.Context, del *Delegation) error {
	existing, err := d.GetDelegation(ctx, del.RecordKey)
	if err != nil {
		return err
	}
	if existing != nil {
		return types.ErrAlreadyExists
	}
	return d.db.WithContext(ctx).Create(del).Error
}

func (d *Database) UpdateDelegation(ctx context.Context, del *Delegation) error {
	del.UpdatedAt = time.Now()
	return d.db.WithContext(ctx).Save(del).Error
}

func (d *Database) DeleteDelegation(ctx context.Context, key string) error {
	return d.db.WithContext(ctx).Unscoped().Where("record_key = ?", key).Delete(&Delegation{}).Error
}

func (d *Database) GetOwnedBy(ctx context.Context, owner types.Context) ([]Delegation, error) {
	var dels []Delegation
	if err := d.db.WithContext(ctx).
		Where("owner = ? AND pending = ?", owner, false).
		Order("record_key").
		Find(&dels).Error; err != nil {
		return nil, err
	}
	return dels, nil
}

func (d *Database) GetPending(ctx context.Context) ([]Delegation, error) {
	var dels []Delegation
	if err := d.db.WithContext(ctx).Where("pending = ?", true).Find(&dels).Error; err != nil {
		return nil, err
	}
	return dels, nil
}
