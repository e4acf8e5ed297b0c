package matching_test

import (
	"context"
	"testing"

	"github.com/ksred/klear-ephemeral/internal/custody"
	"github.com/ksred/klear-ephemeral/internal/ledger"
	"github.com/ksred/klear-ephemeral/internal/orderbook"
	"github.com/ksred/klear-ephemeral/internal/testutil"
	"github.com/ksred/klear-ephemeral/internal/types"
)

const market = "SOL-USDC"

type tb interface {
	Helper()
	Fatalf(format string, args ...any)
}

type fixture struct {
	env    *testutil.Env
	book   *orderbook.Service
	ledger *ledger.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	env := testutil.NewEnv(t)
	return &fixture{
		env:    env,
		book:   orderbook.NewService(env.DurableExec),
		ledger: ledger.NewService(env.DurableExec, custody.NewVault("test")),
	}
}

func (f *fixture) market(t tb, marketID string, traders ...string) {
	t.Helper()
	ctx := context.Background()
	if _, err := f.book.InitializeMarket(ctx, orderbook.InitializeMarket{MarketID: marketID, BaseAsset: "SOL", QuoteAsset: "USDC"}); err != nil {
		t.Fatalf("initialize market: %v", err)
	}
	for _, p := range traders {
		if _, err := f.book.CreateTrader(ctx, marketID, p); err != nil {
			t.Fatalf("create trader %s: %v", p, err)
		}
	}
}

func (f *fixture) deposit(t tb, marketID, principal string, asset types.Asset, amount uint64) {
	t.Helper()
	if _, err := f.ledger.Deposit(context.Background(), ledger.ChangeBalance{
		MarketID: marketID, Principal: principal, Asset: asset, Amount: amount,
	}); err != nil {
		t.Fatalf("deposit %d %s for %s: %v", amount, asset, principal, err)
	}
}

func (f *fixture) order(t tb, marketID, principal string, side types.Side, price, qty uint64) types.OrderRef {
	t.Helper()
	o, err := f.book.CreateOrder(context.Background(), orderbook.CreateOrder{
		MarketID: marketID, Principal: principal, Owner: principal, Side: side, Price: price, Quantity: qty,
	})
	if err != nil {
		t.Fatalf("create %s order for %s: %v", side, principal, err)
	}
	return types.OrderRef{Principal: principal, OrderID: o.OrderID}
}

func (f *fixture) trader(t tb, marketID, principal string) *types.Trader {
	t.Helper()
	tr, err := f.env.DurableExec.Trader(context.Background(), marketID, principal)
	if err != nil {
		t.Fatalf("load trader %s: %v", principal, err)
	}
	return tr
}

// holdings returns spendable plus escrowed funds of a trader per leg.
func holdings(t tb, tr *types.Trader) (base, quote uint64) {
	t.Helper()
	eb, eq, err := tr.Escrowed()
	if err != nil {
		t.Fatalf("escrow: %v", err)
	}
	return tr.BaseBalance + eb, tr.QuoteBalance + eq
}

func createOrder(marketID, principal string, side types.Side, price, qty uint64) orderbook.CreateOrder {
	return orderbook.CreateOrder{
		MarketID: marketID, Principal: principal, Owner: principal, Side: side, Price: price, Quantity: qty,
	}
}
