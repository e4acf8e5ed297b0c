// Package pebblestore is the fast-context record store, an embedded pebble
// database that can run on disk or fully in memory.
package pebblestore

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/ksred/klear-ephemeral/internal/store"
)

type Config struct {
	Dir      string
	InMemory bool
	// Sync forces an fsync on every batch commit.
	Sync bool
}

type Store struct {
	db   *pebble.DB
	opts *pebble.WriteOptions
}

func Open(cfg Config) (*Store, error) {
	opts := &pebble.Options{}
	dir := cfg.Dir
	if cfg.InMemory {
		opts.FS = vfs.NewMem()
		if dir == "" {
			dir = "fast"
		}
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("pebblestore: open %s: %w", dir, err)
	}
	wo := pebble.NoSync
	if cfg.Sync {
		wo = pebble.Sync
	}
	return &Store{db: db, opts: wo}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	value, closer, err := s.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("pebblestore: get %s: %w", key, err)
	}
	defer closer.Close()
	return slices.Clone(value), nil
}

func (s *Store) Apply(_ context.Context, b *store.Batch) error {
	if b.Empty() {
		return nil
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	for key, data := range b.Puts {
		if err := batch.Set([]byte(key), data, nil); err != nil {
			return fmt.Errorf("pebblestore: put %s: %w", key, err)
		}
	}
	for _, key := range b.Deletes {
		if err := batch.Delete([]byte(key), nil); err != nil {
			return fmt.Errorf("pebblestore: delete %s: %w", key, err)
		}
	}
	if err := batch.Commit(s.opts); err != nil {
		return fmt.Errorf("pebblestore: commit: %w", err)
	}
	return nil
}

var _ store.Store = (*Store)(nil)
