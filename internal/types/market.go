package types

import (
	"slices"
	"time"
)

type Asset string

// Market is a single base/quote trading pair. The header fields never change
// after creation; Traders is the market's trader table.
type Market struct {
	MarketID   string    `json:"market_id"`
	BaseAsset  Asset     `json:"base_asset"`
	QuoteAsset Asset     `json:"quote_asset"`
	Traders    []string  `json:"traders"`
	CreatedAt  time.Time `json:"created_at"`
}

// HasAsset reports whether asset is the market's base or quote asset.
func (m *Market) HasAsset(asset Asset) bool {
	return asset == m.BaseAsset || asset == m.QuoteAsset
}

// HasTrader reports whether principal is registered in the market.
func (m *Market) HasTrader(principal string) bool {
	return slices.Contains(m.Traders, principal)
}
