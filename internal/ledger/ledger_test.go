package ledger_test

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/ksred/klear-ephemeral/internal/custody"
	"github.com/ksred/klear-ephemeral/internal/ledger"
	"github.com/ksred/klear-ephemeral/internal/orderbook"
	"github.com/ksred/klear-ephemeral/internal/store"
	"github.com/ksred/klear-ephemeral/internal/testutil"
	"github.com/ksred/klear-ephemeral/internal/types"
)

const market = "SOL-USDC"

type fixture struct {
	env   *testutil.Env
	vault *custody.Vault
	svc   *ledger.Service
}

func setup(t *testing.T) *fixture {
	t.Helper()
	env := testutil.NewEnv(t)
	ctx := context.Background()

	book := orderbook.NewService(env.DurableExec)
	if _, err := book.InitializeMarket(ctx, orderbook.InitializeMarket{MarketID: market, BaseAsset: "SOL", QuoteAsset: "USDC"}); err != nil {
		t.Fatal(err)
	}
	if _, err := book.CreateTrader(ctx, market, "alice"); err != nil {
		t.Fatal(err)
	}

	vault := custody.NewVault("test")
	return &fixture{env: env, vault: vault, svc: ledger.NewService(env.DurableExec, vault)}
}

func change(asset types.Asset, amount uint64, key string) ledger.ChangeBalance {
	return ledger.ChangeBalance{MarketID: market, Principal: "alice", Asset: asset, Amount: amount, IdempotencyKey: key}
}

func TestDepositAndWithdraw(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	trader, err := f.svc.Deposit(ctx, change("USDC", 500, "d1"))
	if err != nil {
		t.Fatal(err)
	}
	if trader.QuoteBalance != 500 || f.vault.Held(market, "USDC") != 500 {
		t.Fatalf("after deposit: balance %d, vault %d", trader.QuoteBalance, f.vault.Held(market, "USDC"))
	}

	trader, err = f.svc.Withdraw(ctx, change("USDC", 200, "w1"))
	if err != nil {
		t.Fatal(err)
	}
	if trader.QuoteBalance != 300 || f.vault.Held(market, "USDC") != 300 {
		t.Fatalf("after withdraw: balance %d, vault %d", trader.QuoteBalance, f.vault.Held(market, "USDC"))
	}

	view, err := f.svc.Trader(ctx, market, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !view.Balanced {
		t.Fatalf("audit failed: %s", view.AuditError)
	}
	if view.Quote.Flows.Deposited != 500 || view.Quote.Flows.Withdrawn != 200 {
		t.Fatalf("flows = %+v", view.Quote.Flows)
	}
}

func TestWithdrawBeyondBalance(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	if _, err := f.svc.Deposit(ctx, change("SOL", 5, "")); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Withdraw(ctx, change("SOL", 6, "")); !errors.Is(err, types.ErrInsufficientBaseFunds) {
		t.Fatalf("base overdraw: got %v", err)
	}
	if _, err := f.svc.Withdraw(ctx, change("USDC", 1, "")); !errors.Is(err, types.ErrInsufficientQuoteFunds) {
		t.Fatalf("quote overdraw: got %v", err)
	}
	if got := f.vault.Held(market, "SOL"); got != 5 {
		t.Fatalf("vault moved on a rejected withdrawal: %d", got)
	}
}

func TestChangeBalanceValidation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	if _, err := f.svc.Deposit(ctx, change("USDC", 0, "")); !errors.Is(err, types.ErrInvalidAmount) {
		t.Fatalf("zero amount: got %v", err)
	}
	if _, err := f.svc.Deposit(ctx, change("BTC", 1, "")); !errors.Is(err, types.ErrInvalidAsset) {
		t.Fatalf("foreign asset: got %v", err)
	}
	req := change("USDC", 1, "")
	req.Principal = "mallory"
	if _, err := f.svc.Deposit(ctx, req); !errors.Is(err, types.ErrUnknownTrader) {
		t.Fatalf("unknown trader: got %v", err)
	}
	req = change("USDC", 1, "")
	req.MarketID = "missing"
	if _, err := f.svc.Deposit(ctx, req); !errors.Is(err, types.ErrUnknownMarket) {
		t.Fatalf("unknown market: got %v", err)
	}
}

func TestCustodyFailureCreditsNothing(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.vault.FailNext(1)
	if _, err := f.svc.Deposit(ctx, change("USDC", 100, "d1")); !errors.Is(err, custody.ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	trader, err := f.env.DurableExec.Trader(ctx, market, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if trader.QuoteBalance != 0 || trader.Applied("d1") {
		t.Fatalf("failed deposit left traces: %+v", trader)
	}

	// the same key can be retried once custody recovers
	if _, err := f.svc.Deposit(ctx, change("USDC", 100, "d1")); err != nil {
		t.Fatal(err)
	}
}

func TestIdempotentRetry(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		trader, err := f.svc.Deposit(ctx, change("USDC", 100, "same-key"))
		if err != nil {
			t.Fatal(err)
		}
		if trader.QuoteBalance != 100 {
			t.Fatalf("attempt %d: balance %d", i, trader.QuoteBalance)
		}
	}
	if got := f.vault.Held(market, "USDC"); got != 100 {
		t.Fatalf("vault received %d, want a single transfer of 100", got)
	}
}

func TestIdempotencyKeyReusedForDifferentChange(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	if _, err := f.svc.Deposit(ctx, change("USDC", 500, "k")); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Withdraw(ctx, change("USDC", 200, "k")); !errors.Is(err, types.ErrAlreadyExists) {
		t.Fatalf("withdraw under a deposit's key: got %v", err)
	}
	if _, err := f.svc.Deposit(ctx, change("USDC", 501, "k")); !errors.Is(err, types.ErrAlreadyExists) {
		t.Fatalf("deposit of another amount under the same key: got %v", err)
	}

	trader, err := f.env.DurableExec.Trader(ctx, market, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if trader.QuoteBalance != 500 || f.vault.Held(market, "USDC") != 500 {
		t.Fatalf("balance %d, vault %d, want both 500", trader.QuoteBalance, f.vault.Held(market, "USDC"))
	}
}

type acceptAll struct{}

func (acceptAll) TransferIn(context.Context, custody.Transfer) error  { return nil }
func (acceptAll) TransferOut(context.Context, custody.Transfer) error { return nil }

func TestDepositCannotOverflowHoldings(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	svc := ledger.NewService(f.env.DurableExec, acceptAll{})

	if _, err := svc.Deposit(ctx, change("USDC", math.MaxUint64, "")); err != nil {
		t.Fatal(err)
	}
	book := orderbook.NewService(f.env.DurableExec)
	if _, err := book.CreateOrder(ctx, orderbook.CreateOrder{
		MarketID: market, Principal: "alice", Owner: "alice", Side: types.Buy, Price: 1, Quantity: math.MaxUint64,
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.Deposit(ctx, change("USDC", 10, "")); !errors.Is(err, types.ErrInvalidAmount) {
		t.Fatalf("deposit past the representable holdings: got %v", err)
	}

	view, err := svc.Trader(ctx, market, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !view.Balanced || view.Quote.Flows.Deposited != math.MaxUint64 {
		t.Fatalf("view = %+v", view)
	}
}

type failingStore struct {
	store.Store
}

func (failingStore) Apply(context.Context, *store.Batch) error {
	return errors.New("disk full")
}

func TestCommitFailureReversesCustody(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	if _, err := f.svc.Deposit(ctx, change("USDC", 100, "")); err != nil {
		t.Fatal(err)
	}
	if err := f.env.Manager.Delegate(ctx, types.TraderKey(market, "alice"), types.Fast); err != nil {
		t.Fatal(err)
	}

	// swap the fast store for one that refuses writes
	broken := testutil.NewExecutor(t, f.env, types.Fast, failingStore{Store: f.env.Fast})
	svc := ledger.NewService(broken, f.vault)
	if _, err := svc.Withdraw(ctx, change("USDC", 40, "")); err == nil {
		t.Fatal("withdraw should fail when the commit fails")
	}
	if got := f.vault.Held(market, "USDC"); got != 100 {
		t.Fatalf("vault = %d, custody transfer was not reversed", got)
	}
}

// Exclusivity: while the trader is delegated the durable context cannot
// touch it; after undelegation the fast context's changes are visible.
func TestDelegationExclusivity(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	key := types.TraderKey(market, "alice")

	if _, err := f.svc.Deposit(ctx, change("USDC", 100, "")); err != nil {
		t.Fatal(err)
	}
	if err := f.env.Manager.Delegate(ctx, key, types.Fast); err != nil {
		t.Fatal(err)
	}

	if _, err := f.svc.Withdraw(ctx, change("USDC", 10, "")); !errors.Is(err, types.ErrAuthorityMismatch) {
		t.Fatalf("durable withdraw of delegated trader: got %v", err)
	}
	if got := f.vault.Held(market, "USDC"); got != 100 {
		t.Fatalf("rejected withdraw moved funds: %d", got)
	}

	fast := ledger.NewService(f.env.FastExec, f.vault)
	if _, err := fast.Deposit(ctx, change("USDC", 50, "")); err != nil {
		t.Fatalf("fast deposit: %v", err)
	}

	if err := f.env.Manager.Undelegate(ctx, key); err != nil {
		t.Fatal(err)
	}
	if _, err := fast.Deposit(ctx, change("USDC", 1, "")); !errors.Is(err, types.ErrAuthorityMismatch) {
		t.Fatalf("fast deposit after undelegation: got %v", err)
	}

	trader, err := f.svc.Withdraw(ctx, change("USDC", 10, ""))
	if err != nil {
		t.Fatalf("durable withdraw after undelegation: %v", err)
	}
	if trader.QuoteBalance != 140 {
		t.Fatalf("balance = %d, want 140", trader.QuoteBalance)
	}
}
