package migrations

import (
	"github.com/ksred/klear-ephemeral/internal/store/sqlstore"
	"gorm.io/gorm"
)

// AddRecords creates the durable record table.
func AddRecords(db *gorm.DB) error {
	return db.AutoMigrate(&sqlstore.Record{})
}
