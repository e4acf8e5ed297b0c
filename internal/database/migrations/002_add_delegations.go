package migrations

import (
	"github.com/ksred/klear-ephemeral/internal/delegation"
	"gorm.io/gorm"
)

// AddDelegations creates the ownership table and the indexes the checkpoint
// processor and crash recovery scan by.
func AddDelegations(db *gorm.DB) error {
	if err := db.AutoMigrate(&delegation.Delegation{}); err != nil {
		return err
	}

	indexes := []string{
		// Owned(Fast) scan for checkpoints
		`CREATE INDEX IF NOT EXISTS idx_delegations_owner
		 ON delegations(owner)`,

		// Recovery of interrupted transitions
		`CREATE INDEX IF NOT EXISTS idx_delegations_pending
		 ON delegations(pending)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
