package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/ksred/klear-ephemeral/internal/store"
	"github.com/ksred/klear-ephemeral/internal/types"
)

// Tx is the working set of one Mutate call. Records loaded twice through the
// same Tx are the same value.
type Tx struct {
	ctx       context.Context
	exec      *Executor
	writable  map[string]bool
	creatable map[string]bool
	markets   map[string]*types.Market
	traders   map[string]*types.Trader
	dirty     []string
	created   map[string]bool
	now       time.Time
}

func newTx(ctx context.Context, e *Executor, keys Keys) *Tx {
	tx := &Tx{
		ctx:       ctx,
		exec:      e,
		writable:  make(map[string]bool),
		creatable: make(map[string]bool),
		markets:   make(map[string]*types.Market),
		traders:   make(map[string]*types.Trader),
		created:   make(map[string]bool),
		now:       e.now(),
	}
	for _, k := range keys.Write {
		tx.writable[k] = true
	}
	for _, k := range keys.Create {
		tx.creatable[k] = true
	}
	return tx
}

// Now is the wall-clock time of the operation.
func (tx *Tx) Now() time.Time {
	return tx.now
}

func (tx *Tx) Context() types.Context {
	return tx.exec.kind
}

// Market returns the market record. Undeclared markets are read-only
// headers.
func (tx *Tx) Market(marketID string) (*types.Market, error) {
	key := types.MarketKey(marketID)
	if m, ok := tx.markets[key]; ok {
		return m, nil
	}

	var m types.Market
	var err error
	if tx.writable[key] {
		err = tx.exec.load(tx.ctx, tx.exec.store, key, &m)
	} else {
		err = tx.exec.loadHeader(tx.ctx, key, &m)
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", types.ErrUnknownMarket, marketID)
		}
		return nil, err
	}
	tx.markets[key] = &m
	return &m, nil
}

// Trader returns a declared trader record.
func (tx *Tx) Trader(marketID, principal string) (*types.Trader, error) {
	key := types.TraderKey(marketID, principal)
	if t, ok := tx.traders[key]; ok {
		return t, nil
	}
	if !tx.writable[key] {
		return nil, fmt.Errorf("trader %s not declared by operation", principal)
	}

	var t types.Trader
	if err := tx.exec.load(tx.ctx, tx.exec.store, key, &t); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", types.ErrUnknownTrader, principal)
		}
		return nil, err
	}
	tx.traders[key] = &t
	return &t, nil
}

// PutMarket stages a write of a declared market.
func (tx *Tx) PutMarket(m *types.Market) error {
	key := types.MarketKey(m.MarketID)
	if !tx.writable[key] && !tx.created[key] {
		return fmt.Errorf("market %s not declared by operation", m.MarketID)
	}
	tx.markets[key] = m
	tx.markDirty(key)
	return nil
}

// PutTrader stages a write of a declared trader.
func (tx *Tx) PutTrader(t *types.Trader) error {
	key := types.TraderKey(t.MarketID, t.Principal)
	if !tx.writable[key] && !tx.created[key] {
		return fmt.Errorf("trader %s not declared by operation", t.Principal)
	}
	t.UpdatedAt = tx.now
	tx.traders[key] = t
	tx.markDirty(key)
	return nil
}

// CreateMarket stages a new market record.
func (tx *Tx) CreateMarket(m *types.Market) error {
	key := types.MarketKey(m.MarketID)
	if err := tx.checkCreate(key); err != nil {
		return fmt.Errorf("market %s: %w", m.MarketID, err)
	}
	tx.created[key] = true
	tx.markets[key] = m
	tx.markDirty(key)
	return nil
}

// CreateTrader stages a new trader record.
func (tx *Tx) CreateTrader(t *types.Trader) error {
	key := types.TraderKey(t.MarketID, t.Principal)
	if err := tx.checkCreate(key); err != nil {
		return fmt.Errorf("trader %s: %w", t.Principal, err)
	}
	tx.created[key] = true
	tx.traders[key] = t
	tx.markDirty(key)
	return nil
}

func (tx *Tx) checkCreate(key string) error {
	if !tx.creatable[key] {
		return errors.New("not declared for creation by operation")
	}
	_, err := tx.exec.store.Get(tx.ctx, key)
	switch {
	case err == nil:
		return types.ErrAlreadyExists
	case !errors.Is(err, store.ErrNotFound):
		return err
	}
	return nil
}

func (tx *Tx) markDirty(key string) {
	if !slices.Contains(tx.dirty, key) {
		tx.dirty = append(tx.dirty, key)
	}
}

func (tx *Tx) createdKeys() []string {
	var keys []string
	for _, k := range tx.dirty {
		if tx.created[k] {
			keys = append(keys, k)
		}
	}
	return keys
}

func (tx *Tx) batch() (*store.Batch, error) {
	b := store.NewBatch()
	for _, key := range tx.dirty {
		var v any
		if m, ok := tx.markets[key]; ok {
			v = m
		} else {
			v = tx.traders[key]
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", key, err)
		}
		b.Put(key, data)
	}
	return b, nil
}
