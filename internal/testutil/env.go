// Package testutil wires a throwaway durable database, an in-memory fast
// store and both executors for package tests.
package testutil

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/ksred/klear-ephemeral/internal/database"
	"github.com/ksred/klear-ephemeral/internal/delegation"
	"github.com/ksred/klear-ephemeral/internal/execution"
	"github.com/ksred/klear-ephemeral/internal/locks"
	"github.com/ksred/klear-ephemeral/internal/store"
	"github.com/ksred/klear-ephemeral/internal/store/pebblestore"
	"github.com/ksred/klear-ephemeral/internal/store/sqlstore"
	"github.com/ksred/klear-ephemeral/internal/types"
	"gorm.io/gorm"
)

type Env struct {
	DB      *gorm.DB
	Durable *sqlstore.Store
	Fast    *pebblestore.Store
	Locks   *locks.Set
	Manager *delegation.Manager

	DurableExec *execution.Executor
	FastExec    *execution.Executor
}

func NewEnv(t *testing.T, opts ...delegation.Option) *Env {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := database.NewDatabase(fmt.Sprintf("file:%s_%s?mode=memory&cache=shared", name, uuid.NewString()))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("database handle: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })

	fast, err := pebblestore.Open(pebblestore.Config{InMemory: true})
	if err != nil {
		t.Fatalf("open fast store: %v", err)
	}
	t.Cleanup(func() { fast.Close() })

	env := &Env{
		DB:      db,
		Durable: sqlstore.New(db),
		Fast:    fast,
		Locks:   locks.NewSet(),
	}
	env.Manager = delegation.NewManager(db, env.Locks, env.Durable, env.Fast, opts...)
	env.DurableExec = execution.New(types.Durable, env.Manager)
	env.FastExec = execution.New(types.Fast, env.Manager)
	return env
}

// Exec returns the executor of context c.
func (e *Env) Exec(c types.Context) *execution.Executor {
	if c == types.Fast {
		return e.FastExec
	}
	return e.DurableExec
}

// Seed writes a record straight into the durable store and registers it
// Owned(durable), bypassing the domain services.
func (e *Env) Seed(t *testing.T, key string, data []byte) {
	t.Helper()
	ctx := context.Background()
	if err := e.Manager.Register(ctx, key); err != nil {
		t.Fatalf("register %s: %v", key, err)
	}
	if err := e.Durable.Apply(ctx, store.NewBatch().Put(key, data)); err != nil {
		t.Fatalf("seed %s: %v", key, err)
	}
}

// NewExecutor returns an executor of context c that reads and writes through
// s instead of the context's own store.
func NewExecutor(t *testing.T, e *Env, c types.Context, s store.Store) *execution.Executor {
	t.Helper()
	return execution.NewExecutor(c, s, e.Durable, e.Manager, e.Locks)
}
