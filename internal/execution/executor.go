// Package execution runs operations inside one execution context. Each
// operation names the records it touches up front, holds their locks for its
// whole duration, works on decoded copies, and lands all of its writes in a
// single store batch, so it is either fully visible or not at all.
package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ksred/klear-ephemeral/internal/delegation"
	"github.com/ksred/klear-ephemeral/internal/locks"
	"github.com/ksred/klear-ephemeral/internal/store"
	"github.com/ksred/klear-ephemeral/internal/types"
	"github.com/rs/zerolog/log"
)

// Authority decides which context may mutate a record and tracks the
// ownership of newly created records.
type Authority interface {
	Authorize(ctx context.Context, key string, caller types.Context) error
	Register(ctx context.Context, key string) error
	Unregister(ctx context.Context, key string) error
}

type Executor struct {
	kind      types.Context
	store     store.Store
	durable   store.Store
	authority Authority
	locker    locks.Locker
	now       func() time.Time
}

// New returns the executor of context kind, sharing stores, ownership and
// locks with the delegation manager.
func New(kind types.Context, manager *delegation.Manager) *Executor {
	return NewExecutor(kind, manager.Store(kind), manager.Store(types.Durable), manager, manager.Locker())
}

// NewExecutor assembles an executor from its parts. own is the context's
// store; durable serves market headers the context does not hold.
func NewExecutor(kind types.Context, own, durable store.Store, authority Authority, locker locks.Locker) *Executor {
	return &Executor{
		kind:      kind,
		store:     own,
		durable:   durable,
		authority: authority,
		locker:    locker,
		now:       time.Now,
	}
}

func (e *Executor) Context() types.Context {
	return e.kind
}

// Keys declares the records an operation writes. Create keys must not exist
// yet; they are registered Owned(durable) when the operation commits.
type Keys struct {
	Write  []string
	Create []string
}

// Mutate runs fn against working copies of the declared records and commits
// every record fn put, atomically. Any error from fn discards all changes.
func (e *Executor) Mutate(ctx context.Context, keys Keys, fn func(tx *Tx) error) error {
	if len(keys.Create) > 0 && e.kind != types.Durable {
		return fmt.Errorf("%w: records are created in the durable context", types.ErrAuthorityMismatch)
	}

	all := append(append([]string{}, keys.Write...), keys.Create...)
	release, err := e.locker.TryAcquire(ctx, all...)
	if err != nil {
		return err
	}
	defer release()

	for _, key := range keys.Write {
		if err := e.authorize(ctx, key); err != nil {
			return err
		}
	}

	tx := newTx(ctx, e, keys)
	if err := fn(tx); err != nil {
		return err
	}

	batch, err := tx.batch()
	if err != nil {
		return err
	}

	var registered []string
	unregister := func() {
		for _, key := range registered {
			if err := e.authority.Unregister(ctx, key); err != nil {
				log.Error().Err(err).Str("record_key", key).Msg("failed to unregister record after aborted create")
			}
		}
	}
	for _, key := range tx.createdKeys() {
		if err := e.authority.Register(ctx, key); err != nil {
			unregister()
			return err
		}
		registered = append(registered, key)
	}

	if err := e.store.Apply(ctx, batch); err != nil {
		unregister()
		return fmt.Errorf("commit %s operation: %w", e.kind, err)
	}
	return nil
}

// Trader reads a trader record owned by this context.
func (e *Executor) Trader(ctx context.Context, marketID, principal string) (*types.Trader, error) {
	key := types.TraderKey(marketID, principal)
	if err := e.authorize(ctx, key); err != nil {
		return nil, err
	}
	var t types.Trader
	if err := e.load(ctx, e.store, key, &t); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", types.ErrUnknownTrader, principal)
		}
		return nil, err
	}
	return &t, nil
}

// Market reads a market's immutable header. The trader table is only
// current when the market is owned by this context.
func (e *Executor) Market(ctx context.Context, marketID string) (*types.Market, error) {
	var m types.Market
	if err := e.loadHeader(ctx, types.MarketKey(marketID), &m); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", types.ErrUnknownMarket, marketID)
		}
		return nil, err
	}
	return &m, nil
}

// authorize checks that this context owns key. Records that were never
// created pass, so the subsequent load reports them as unknown.
func (e *Executor) authorize(ctx context.Context, key string) error {
	err := e.authority.Authorize(ctx, key, e.kind)
	if errors.Is(err, types.ErrAuthorityMismatch) && !e.exists(ctx, key) {
		return nil
	}
	return err
}

func (e *Executor) exists(ctx context.Context, key string) bool {
	_, err := e.durable.Get(ctx, key)
	return err == nil
}

func (e *Executor) load(ctx context.Context, s store.Store, key string, v any) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// loadHeader prefers this context's copy and falls back to the durable one.
func (e *Executor) loadHeader(ctx context.Context, key string, v any) error {
	err := e.load(ctx, e.store, key, v)
	if errors.Is(err, store.ErrNotFound) && e.store != e.durable {
		err = e.load(ctx, e.durable, key, v)
	}
	return err
}
