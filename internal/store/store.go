// Package store defines the byte-addressable record store shared by the
// durable and fast execution contexts.
package store

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("record not found")

// Store holds variable-length records addressed by deterministic keys.
type Store interface {
	// Get returns a copy of the record stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Apply writes every put and delete in the batch atomically.
	Apply(ctx context.Context, b *Batch) error
}

// Batch collects record writes that must land together.
type Batch struct {
	Puts    map[string][]byte
	Deletes []string
}

func NewBatch() *Batch {
	return &Batch{Puts: make(map[string][]byte)}
}

func (b *Batch) Put(key string, value []byte) *Batch {
	b.Puts[key] = value
	return b
}

func (b *Batch) Delete(key string) *Batch {
	b.Deletes = append(b.Deletes, key)
	return b
}

func (b *Batch) Empty() bool {
	return len(b.Puts) == 0 && len(b.Deletes) == 0
}
