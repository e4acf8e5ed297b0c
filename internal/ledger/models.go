package ledger

import (
	"time"

	"github.com/ksred/klear-ephemeral/internal/types"
)

// ChangeBalance is a deposit or withdrawal request. IdempotencyKey is
// optional; a key seen before makes the request a no-op.
type ChangeBalance struct {
	MarketID       string      `json:"-"`
	Principal      string      `json:"-"`
	Asset          types.Asset `json:"asset" binding:"required"`
	Amount         uint64      `json:"amount" binding:"required"`
	IdempotencyKey string      `json:"-"`
}

type LegView struct {
	Asset     types.Asset `json:"asset"`
	Spendable uint64      `json:"spendable"`
	Escrowed  uint64      `json:"escrowed"`
	Flows     types.Flows `json:"flows"`
}

// TraderView is a trader's holdings as reported to the trader.
type TraderView struct {
	MarketID   string        `json:"market_id"`
	Principal  string        `json:"principal"`
	Context    types.Context `json:"context"`
	Base       LegView       `json:"base"`
	Quote      LegView       `json:"quote"`
	OpenOrders int           `json:"open_orders"`
	Balanced   bool          `json:"balanced"`
	AuditError string        `json:"audit_error,omitempty"`
	UpdatedAt  time.Time     `json:"updated_at"`
}
