package sqlstore

import "time"

// Record is one durable record row.
type Record struct {
	Key       string `gorm:"primaryKey;column:record_key"`
	Data      []byte
	Version   uint64
	UpdatedAt time.Time
}
