package types

import (
	"fmt"
	"math/bits"
	"time"
)

type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

func (s Side) Valid() bool { return s == Buy || s == Sell }

// Order is a resting limit order. MatchTimestamp stays nil while the order is
// open; it is set once, in the same commit that removes the order.
type Order struct {
	OrderID        string    `json:"order_id"`
	Owner          string    `json:"owner"`
	Side           Side      `json:"side"`
	Price          uint64    `json:"price"`
	Quantity       uint64    `json:"quantity"`
	MatchTimestamp *int64    `json:"match_timestamp,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Escrow returns the amount reserved by the order and the leg it is
// reserved on.
func (o *Order) Escrow() (Leg, uint64, error) {
	if o.Side == Sell {
		return BaseLeg, o.Quantity, nil
	}
	n, err := Notional(o.Price, o.Quantity)
	return QuoteLeg, n, err
}

// OrderRef addresses an open order by its owner and stable id.
type OrderRef struct {
	Principal string `json:"principal"`
	OrderID   string `json:"order_id"`
}

// Trade is the outcome of a successful match.
type Trade struct {
	TradeID       string `json:"trade_id"`
	MarketID      string `json:"market_id"`
	Maker         string `json:"maker"`
	Taker         string `json:"taker"`
	MakerOrderID  string `json:"maker_order_id"`
	TakerOrderID  string `json:"taker_order_id"`
	Price         uint64 `json:"price"`
	Quantity      uint64 `json:"quantity"`
	AttestedPrice uint64 `json:"attested_price"`
	MatchedAt     int64  `json:"matched_at"`
}

// Notional is price*quantity, failing instead of wrapping on overflow.
func Notional(price, quantity uint64) (uint64, error) {
	hi, lo := bits.Mul64(price, quantity)
	if hi != 0 {
		return 0, fmt.Errorf("%w: %d * %d overflows", ErrInvalidAmount, price, quantity)
	}
	return lo, nil
}

func checkedAdd(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, fmt.Errorf("%w: %d + %d overflows", ErrInvalidAmount, a, b)
	}
	return sum, nil
}
