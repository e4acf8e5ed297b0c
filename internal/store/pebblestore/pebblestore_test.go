package pebblestore

import (
	"context"
	"testing"

	"github.com/ksred/klear-ephemeral/internal/store"
	"github.com/ksred/klear-ephemeral/internal/store/storetest"
)

func TestInMemoryStore(t *testing.T) {
	s, err := Open(Config{InMemory: true})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	storetest.Run(t, s)
}

func TestOnDiskStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(Config{Dir: dir, Sync: true})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Apply(ctx, store.NewBatch().Put("market:m", []byte("header"))); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s, err = Open(Config{Dir: dir})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	got, err := s.Get(ctx, "market:m")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "header" {
		t.Fatalf("got %q after reopen", got)
	}
}
