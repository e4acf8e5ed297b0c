package orderbook

import "github.com/ksred/klear-ephemeral/internal/types"

type InitializeMarket struct {
	MarketID   string      `json:"market_id" binding:"required"`
	BaseAsset  types.Asset `json:"base_asset" binding:"required"`
	QuoteAsset types.Asset `json:"quote_asset" binding:"required"`
}

// CreateOrder places a resting limit order for Principal. Owner must name
// the principal itself, and MatchTimestamp must be unset.
type CreateOrder struct {
	MarketID       string     `json:"-"`
	Principal      string     `json:"-"`
	Owner          string     `json:"owner"`
	Side           types.Side `json:"side" binding:"required"`
	Price          uint64     `json:"price"`
	Quantity       uint64     `json:"quantity"`
	MatchTimestamp *int64     `json:"match_timestamp,omitempty"`
}

type OrdersResponse struct {
	MarketID  string        `json:"market_id"`
	Principal string        `json:"principal"`
	Orders    []types.Order `json:"orders"`
}
