package types

import (
	"strings"

	"github.com/google/uuid"
)

const (
	marketKeyPrefix = "market:"
	traderKeyPrefix = "trader:"
)

// recordNamespace seeds the name-based UUIDs used as record identifiers.
var recordNamespace = uuid.MustParse("6f1c9a52-3b0e-4c8e-9d51-2a7e0f4b8c13")

// MarketKey derives the record identifier of a market.
func MarketKey(marketID string) string {
	return marketKeyPrefix + uuid.NewSHA1(recordNamespace, []byte(marketID)).String()
}

// TraderKey derives the record identifier of a trader within a market.
func TraderKey(marketID, principal string) string {
	name := marketID + "\x00" + principal
	return traderKeyPrefix + uuid.NewSHA1(recordNamespace, []byte(name)).String()
}

func IsMarketKey(key string) bool { return strings.HasPrefix(key, marketKeyPrefix) }

func IsTraderKey(key string) bool { return strings.HasPrefix(key, traderKeyPrefix) }
