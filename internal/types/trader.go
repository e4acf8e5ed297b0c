package types

import (
	"fmt"
	"slices"
	"time"
)

// Leg selects one side of a market's pair.
type Leg int

const (
	BaseLeg Leg = iota
	QuoteLeg
)

func (l Leg) String() string {
	if l == BaseLeg {
		return "base"
	}
	return "quote"
}

// LegOf maps an asset of the market to its leg.
func (m *Market) LegOf(asset Asset) (Leg, error) {
	switch asset {
	case m.BaseAsset:
		return BaseLeg, nil
	case m.QuoteAsset:
		return QuoteLeg, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrInvalidAsset, asset)
}

// Flows accumulates everything that moved a trader's holdings of one asset.
type Flows struct {
	Deposited uint64 `json:"deposited"`
	Withdrawn uint64 `json:"withdrawn"`
	Received  uint64 `json:"received"`
	Delivered uint64 `json:"delivered"`
}

// Deposit records tokens brought in from outside the ledger.
func (f *Flows) Deposit(amount uint64) error { return addTo(&f.Deposited, amount) }

// Withdraw records tokens returned to the principal.
func (f *Flows) Withdraw(amount uint64) error { return addTo(&f.Withdrawn, amount) }

// Receive records tokens gained in a trade.
func (f *Flows) Receive(amount uint64) error { return addTo(&f.Received, amount) }

// Deliver records tokens given up in a trade.
func (f *Flows) Deliver(amount uint64) error { return addTo(&f.Delivered, amount) }

func addTo(counter *uint64, amount uint64) error {
	sum, err := checkedAdd(*counter, amount)
	if err != nil {
		return err
	}
	*counter = sum
	return nil
}

// AppliedChange fingerprints a balance change applied under an idempotency
// key, so a reused key can be told apart from a retry.
type AppliedChange struct {
	Key    string `json:"key"`
	Op     string `json:"op"`
	Asset  Asset  `json:"asset"`
	Amount uint64 `json:"amount"`
}

// maxAppliedKeys bounds the idempotency keys remembered per trader.
const maxAppliedKeys = 128

// Trader holds one principal's spendable balances and open orders within a
// market. Escrowed funds are not part of the balances.
type Trader struct {
	MarketID     string          `json:"market_id"`
	Principal    string          `json:"principal"`
	BaseBalance  uint64          `json:"base_balance"`
	QuoteBalance uint64          `json:"quote_balance"`
	Orders       []Order         `json:"orders"`
	BaseFlows    Flows           `json:"base_flows"`
	QuoteFlows   Flows           `json:"quote_flows"`
	AppliedKeys  []AppliedChange `json:"applied_keys,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func NewTrader(marketID, principal string, now time.Time) *Trader {
	return &Trader{
		MarketID:  marketID,
		Principal: principal,
		Orders:    []Order{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (t *Trader) balance(leg Leg) *uint64 {
	if leg == BaseLeg {
		return &t.BaseBalance
	}
	return &t.QuoteBalance
}

// Flows returns the flow counters of a leg.
func (t *Trader) Flows(leg Leg) *Flows {
	if leg == BaseLeg {
		return &t.BaseFlows
	}
	return &t.QuoteFlows
}

// Spendable returns the non-escrowed balance of a leg.
func (t *Trader) Spendable(leg Leg) uint64 {
	return *t.balance(leg)
}

// Credit increases the spendable balance of a leg. Spendable plus escrowed
// holdings of the leg must stay representable.
func (t *Trader) Credit(leg Leg, amount uint64) error {
	b := t.balance(leg)
	sum, err := checkedAdd(*b, amount)
	if err != nil {
		return err
	}
	base, quote, err := t.Escrowed()
	if err != nil {
		return err
	}
	escrow := quote
	if leg == BaseLeg {
		escrow = base
	}
	if _, err := checkedAdd(sum, escrow); err != nil {
		return fmt.Errorf("%s holdings: %w", leg, err)
	}
	*b = sum
	return nil
}

// Debit decreases the spendable balance of a leg. It never goes below zero.
func (t *Trader) Debit(leg Leg, amount uint64) error {
	b := t.balance(leg)
	if amount > *b {
		if leg == BaseLeg {
			return fmt.Errorf("%w: need %d, have %d", ErrInsufficientBaseFunds, amount, *b)
		}
		return fmt.Errorf("%w: need %d, have %d", ErrInsufficientQuoteFunds, amount, *b)
	}
	*b -= amount
	return nil
}

// Escrowed sums the funds reserved by the trader's open orders.
func (t *Trader) Escrowed() (base, quote uint64, err error) {
	for i := range t.Orders {
		leg, amount, err := t.Orders[i].Escrow()
		if err != nil {
			return 0, 0, err
		}
		if leg == BaseLeg {
			base, err = checkedAdd(base, amount)
		} else {
			quote, err = checkedAdd(quote, amount)
		}
		if err != nil {
			return 0, 0, err
		}
	}
	return base, quote, nil
}

// Order returns the open order with the given id.
func (t *Trader) Order(orderID string) (*Order, bool) {
	for i := range t.Orders {
		if t.Orders[i].OrderID == orderID {
			return &t.Orders[i], true
		}
	}
	return nil, false
}

// RemoveOrders drops the given ids from the open set.
func (t *Trader) RemoveOrders(orderIDs ...string) {
	t.Orders = slices.DeleteFunc(t.Orders, func(o Order) bool {
		return slices.Contains(orderIDs, o.OrderID)
	})
}

// Applied reports whether an idempotency key has already been applied.
func (t *Trader) Applied(key string) bool {
	_, ok := t.AppliedChange(key)
	return ok
}

// AppliedChange returns the change recorded under an idempotency key.
func (t *Trader) AppliedChange(key string) (AppliedChange, bool) {
	if key == "" {
		return AppliedChange{}, false
	}
	i := slices.IndexFunc(t.AppliedKeys, func(c AppliedChange) bool { return c.Key == key })
	if i < 0 {
		return AppliedChange{}, false
	}
	return t.AppliedKeys[i], true
}

// MarkApplied remembers a change by its idempotency key, evicting the oldest
// past the cap.
func (t *Trader) MarkApplied(change AppliedChange) {
	if change.Key == "" {
		return
	}
	t.AppliedKeys = append(t.AppliedKeys, change)
	if n := len(t.AppliedKeys); n > maxAppliedKeys {
		t.AppliedKeys = slices.Clone(t.AppliedKeys[n-maxAppliedKeys:])
	}
}

// Audit checks that spendable plus escrowed funds equal the net of all
// recorded flows for both legs.
func (t *Trader) Audit() error {
	base, quote, err := t.Escrowed()
	if err != nil {
		return err
	}
	for _, c := range []struct {
		leg     Leg
		escrow  uint64
		balance uint64
	}{
		{BaseLeg, base, t.BaseBalance},
		{QuoteLeg, quote, t.QuoteBalance},
	} {
		f := t.Flows(c.leg)
		held, err := checkedAdd(c.balance, c.escrow)
		if err != nil {
			return fmt.Errorf("%s holdings: %w", c.leg, err)
		}
		in, err := checkedAdd(f.Deposited, f.Received)
		if err != nil {
			return fmt.Errorf("%s inflows: %w", c.leg, err)
		}
		out, err := checkedAdd(f.Withdrawn, f.Delivered)
		if err != nil {
			return fmt.Errorf("%s outflows: %w", c.leg, err)
		}
		if in < out || held != in-out {
			return fmt.Errorf("%s ledger out of balance: held %d, in %d, out %d", c.leg, held, in, out)
		}
	}
	return nil
}
