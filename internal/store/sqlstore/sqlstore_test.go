package sqlstore_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/ksred/klear-ephemeral/internal/database"
	"github.com/ksred/klear-ephemeral/internal/store"
	"github.com/ksred/klear-ephemeral/internal/store/sqlstore"
	"github.com/ksred/klear-ephemeral/internal/store/storetest"
)

func newStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	db, err := database.NewDatabase(fmt.Sprintf("file:sqlstore_%s?mode=memory&cache=shared", uuid.NewString()))
	if err != nil {
		t.Fatal(err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	return sqlstore.New(db)
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, newStore(t))
}

func TestVersionCountsWrites(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	if _, err := s.Version(ctx, "trader:v"); err != store.ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	for i := 0; i < 3; i++ {
		if err := s.Apply(ctx, store.NewBatch().Put("trader:v", []byte{byte(i)})); err != nil {
			t.Fatal(err)
		}
	}
	v, err := s.Version(ctx, "trader:v")
	if err != nil {
		t.Fatal(err)
	}
	if v != 3 {
		t.Fatalf("version = %d, want 3", v)
	}
}
