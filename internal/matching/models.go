package matching

import (
	"github.com/ksred/klear-ephemeral/internal/oracle"
	"github.com/ksred/klear-ephemeral/internal/types"
)

// MatchRequest pairs a resting sell (maker) with a resting buy (taker) at
// an attested reference price.
type MatchRequest struct {
	MarketID      string
	Maker         types.OrderRef
	Taker         types.OrderRef
	AttestedPrice uint64
	AttestedTime  int64
}

// Match is the committed outcome: the trade and both orders as they were
// stamped when leaving the book.
type Match struct {
	Trade      types.Trade `json:"trade"`
	MakerOrder types.Order `json:"maker_order"`
	TakerOrder types.Order `json:"taker_order"`
}

type matchBody struct {
	Maker       types.OrderRef     `json:"maker"`
	Taker       types.OrderRef     `json:"taker"`
	Attestation oracle.Attestation `json:"attestation"`
}
