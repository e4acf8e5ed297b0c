package types

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"
)

func TestTraderDebitNeverGoesNegative(t *testing.T) {
	tr := NewTrader("m", "alice", time.Now())
	tr.QuoteBalance = 10

	err := tr.Debit(QuoteLeg, 11)
	if !errors.Is(err, ErrInsufficientQuoteFunds) {
		t.Fatalf("expected ErrInsufficientQuoteFunds, got %v", err)
	}
	if tr.QuoteBalance != 10 {
		t.Errorf("balance changed on failed debit: %d", tr.QuoteBalance)
	}

	if err := tr.Debit(BaseLeg, 1); !errors.Is(err, ErrInsufficientBaseFunds) {
		t.Fatalf("expected ErrInsufficientBaseFunds, got %v", err)
	}
}

func TestTraderCreditOverflow(t *testing.T) {
	tr := NewTrader("m", "alice", time.Now())
	tr.BaseBalance = math.MaxUint64

	if err := tr.Credit(BaseLeg, 1); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if tr.BaseBalance != math.MaxUint64 {
		t.Errorf("balance changed on failed credit")
	}
}

func TestTraderCreditBoundedByEscrowedHoldings(t *testing.T) {
	tr := NewTrader("m", "alice", time.Now())
	tr.Orders = []Order{{OrderID: "b1", Side: Buy, Price: 1, Quantity: math.MaxUint64}}

	if err := tr.Credit(QuoteLeg, 10); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if tr.QuoteBalance != 0 {
		t.Errorf("balance changed on failed credit: %d", tr.QuoteBalance)
	}
	if err := tr.Credit(BaseLeg, 10); err != nil {
		t.Fatalf("base leg carries no escrow: %v", err)
	}
}

func TestFlowCountersOverflow(t *testing.T) {
	f := Flows{Deposited: math.MaxUint64}
	if err := f.Deposit(1); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if f.Deposited != math.MaxUint64 {
		t.Errorf("counter wrapped to %d", f.Deposited)
	}
	if err := f.Receive(7); err != nil || f.Received != 7 {
		t.Fatalf("Receive: %d (%v)", f.Received, err)
	}
}

func TestAuditRejectsWrappedTotals(t *testing.T) {
	tr := NewTrader("m", "alice", time.Now())
	tr.QuoteBalance = 9
	tr.Orders = []Order{{OrderID: "b1", Side: Buy, Price: 1, Quantity: math.MaxUint64}}
	tr.QuoteFlows.Deposited = 9
	tr.QuoteFlows.Received = math.MaxUint64

	if err := tr.Audit(); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected overflow to fail the audit, got %v", err)
	}
}

func TestTraderAppliedChangeLookup(t *testing.T) {
	tr := NewTrader("m", "alice", time.Now())
	want := AppliedChange{Key: "k", Op: "deposit", Asset: "USDC", Amount: 500}
	tr.MarkApplied(want)

	got, ok := tr.AppliedChange("k")
	if !ok || got != want {
		t.Fatalf("AppliedChange(k) = %+v, %v", got, ok)
	}
	if _, ok := tr.AppliedChange("other"); ok {
		t.Error("unknown key reported as applied")
	}
	tr.MarkApplied(AppliedChange{Op: "deposit"})
	if len(tr.AppliedKeys) != 1 {
		t.Errorf("change without a key was remembered: %+v", tr.AppliedKeys)
	}
}

func TestTraderEscrowAndAudit(t *testing.T) {
	tr := NewTrader("m", "alice", time.Now())
	tr.QuoteFlows.Deposited = 100
	tr.BaseFlows.Deposited = 5
	tr.QuoteBalance = 50
	tr.BaseBalance = 2
	tr.Orders = []Order{
		{OrderID: "b1", Side: Buy, Price: 10, Quantity: 5},
		{OrderID: "s1", Side: Sell, Price: 12, Quantity: 3},
	}

	base, quote, err := tr.Escrowed()
	if err != nil {
		t.Fatalf("Escrowed: %v", err)
	}
	if base != 3 || quote != 50 {
		t.Errorf("expected escrow base=3 quote=50, got base=%d quote=%d", base, quote)
	}
	if err := tr.Audit(); err != nil {
		t.Errorf("Audit: %v", err)
	}

	tr.QuoteBalance++
	if err := tr.Audit(); err == nil {
		t.Error("expected audit failure after unbacked credit")
	}
}

func TestTraderRemoveOrders(t *testing.T) {
	tr := NewTrader("m", "alice", time.Now())
	tr.Orders = []Order{{OrderID: "a"}, {OrderID: "b"}, {OrderID: "c"}}

	tr.RemoveOrders("c", "a")

	if len(tr.Orders) != 1 || tr.Orders[0].OrderID != "b" {
		t.Fatalf("unexpected orders after removal: %+v", tr.Orders)
	}
	if _, ok := tr.Order("a"); ok {
		t.Error("order a still present")
	}
}

func TestTraderAppliedKeysBounded(t *testing.T) {
	tr := NewTrader("m", "alice", time.Now())
	for i := 0; i < maxAppliedKeys+10; i++ {
		tr.MarkApplied(AppliedChange{Key: fmt.Sprintf("key-%d", i), Op: "deposit", Asset: "USDC", Amount: 1})
	}
	if len(tr.AppliedKeys) != maxAppliedKeys {
		t.Fatalf("expected %d keys, got %d", maxAppliedKeys, len(tr.AppliedKeys))
	}
	if tr.Applied("") {
		t.Error("empty key must never count as applied")
	}
}

func TestNotionalOverflow(t *testing.T) {
	if _, err := Notional(math.MaxUint64, 2); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	n, err := Notional(10, 5)
	if err != nil || n != 50 {
		t.Fatalf("expected 50, got %d (%v)", n, err)
	}
}

func TestRecordKeysDeterministic(t *testing.T) {
	if MarketKey("SOL-USDC") != MarketKey("SOL-USDC") {
		t.Fatal("market key not deterministic")
	}
	if TraderKey("m", "alice") == TraderKey("m", "bob") {
		t.Fatal("distinct principals share a key")
	}
	if TraderKey("ab", "c") == TraderKey("a", "bc") {
		t.Fatal("separator ambiguity in trader key")
	}
	if !IsTraderKey(TraderKey("m", "alice")) || !IsMarketKey(MarketKey("m")) {
		t.Fatal("key prefixes not recognised")
	}
}
