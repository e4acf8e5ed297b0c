// Package storetest checks that a store.Store honours the record store
// contract. Each store implementation runs it from its own tests.
package storetest

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/ksred/klear-ephemeral/internal/store"
)

// Run exercises s. It expects s to start empty.
func Run(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("missing key", func(t *testing.T) {
		if _, err := s.Get(ctx, "market:absent"); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("put and overwrite", func(t *testing.T) {
		if err := s.Apply(ctx, store.NewBatch().Put("trader:a", []byte(`{"v":1}`))); err != nil {
			t.Fatal(err)
		}
		if err := s.Apply(ctx, store.NewBatch().Put("trader:a", []byte(`{"v":2,"longer":true}`))); err != nil {
			t.Fatal(err)
		}
		got, err := s.Get(ctx, "trader:a")
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, []byte(`{"v":2,"longer":true}`)) {
			t.Fatalf("got %s", got)
		}
	})

	t.Run("returned bytes are a copy", func(t *testing.T) {
		if err := s.Apply(ctx, store.NewBatch().Put("trader:copy", []byte("abc"))); err != nil {
			t.Fatal(err)
		}
		got, err := s.Get(ctx, "trader:copy")
		if err != nil {
			t.Fatal(err)
		}
		got[0] = 'x'
		again, err := s.Get(ctx, "trader:copy")
		if err != nil {
			t.Fatal(err)
		}
		if string(again) != "abc" {
			t.Fatalf("stored value changed through a returned slice: %s", again)
		}
	})

	t.Run("batch writes and deletes together", func(t *testing.T) {
		if err := s.Apply(ctx, store.NewBatch().Put("market:m", []byte("m")).Put("trader:m:x", []byte("x"))); err != nil {
			t.Fatal(err)
		}
		b := store.NewBatch().Put("trader:m:y", []byte("y")).Delete("trader:m:x")
		if err := s.Apply(ctx, b); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Get(ctx, "trader:m:x"); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("deleted key: err = %v", err)
		}
		for _, k := range []string{"market:m", "trader:m:y"} {
			if _, err := s.Get(ctx, k); err != nil {
				t.Fatalf("%s: %v", k, err)
			}
		}
	})

	t.Run("empty batch", func(t *testing.T) {
		if err := s.Apply(ctx, store.NewBatch()); err != nil {
			t.Fatalf("empty batch: %v", err)
		}
	})
}
