// Package orderbook creates markets and traders and places resting limit
// orders, reserving each order's escrow out of the trader's spendable
// balance.
package orderbook

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/ksred/klear-ephemeral/internal/execution"
	"github.com/ksred/klear-ephemeral/internal/types"
	"github.com/rs/zerolog/log"
)

// Service handles market setup and order entry within one execution context
type Service struct {
	exec *execution.Executor
}

func NewService(exec *execution.Executor) *Service {
	return &Service{
		exec: exec,
	}
}

// InitializeMarket creates a market record, owned by the durable context.
func (s *Service) InitializeMarket(ctx context.Context, req InitializeMarket) (*types.Market, error) {
	logger := log.With().
		Str("service", "orderbook").
		Str("market_id", req.MarketID).
		Str("base_asset", string(req.BaseAsset)).
		Str("quote_asset", string(req.QuoteAsset)).
		Logger()

	if req.BaseAsset == "" || req.QuoteAsset == "" || req.BaseAsset == req.QuoteAsset {
		return nil, fmt.Errorf("%w: base %q and quote %q must be distinct assets", types.ErrInvalidAsset, req.BaseAsset, req.QuoteAsset)
	}

	var market *types.Market
	keys := execution.Keys{Create: []string{types.MarketKey(req.MarketID)}}
	err := s.exec.Mutate(ctx, keys, func(tx *execution.Tx) error {
		market = &types.Market{
			MarketID:   req.MarketID,
			BaseAsset:  req.BaseAsset,
			QuoteAsset: req.QuoteAsset,
			Traders:    []string{},
			CreatedAt:  tx.Now(),
		}
		return tx.CreateMarket(market)
	})
	if err != nil {
		logger.Warn().Err(err).Msg("failed to initialize market")
		return nil, err
	}

	logger.Info().Msg("market initialized")
	return market, nil
}

// CreateTrader registers principal in a market with empty balances.
func (s *Service) CreateTrader(ctx context.Context, marketID, principal string) (*types.Trader, error) {
	logger := log.With().
		Str("service", "orderbook").
		Str("market_id", marketID).
		Str("principal", principal).
		Logger()

	var trader *types.Trader
	keys := execution.Keys{
		Write:  []string{types.MarketKey(marketID)},
		Create: []string{types.TraderKey(marketID, principal)},
	}
	err := s.exec.Mutate(ctx, keys, func(tx *execution.Tx) error {
		market, err := tx.Market(marketID)
		if err != nil {
			return err
		}
		if market.HasTrader(principal) {
			return fmt.Errorf("trader %s: %w", principal, types.ErrAlreadyExists)
		}

		trader = types.NewTrader(marketID, principal, tx.Now())
		if err := tx.CreateTrader(trader); err != nil {
			return err
		}
		market.Traders = append(market.Traders, principal)
		return tx.PutMarket(market)
	})
	if err != nil {
		logger.Warn().Err(err).Msg("failed to create trader")
		return nil, err
	}

	logger.Info().Msg("trader created")
	return trader, nil
}

// CreateOrder validates and escrows a new resting order.
func (s *Service) CreateOrder(ctx context.Context, req CreateOrder) (*types.Order, error) {
	logger := log.With().
		Str("service", "orderbook").
		Str("context", string(s.exec.Context())).
		Str("market_id", req.MarketID).
		Str("principal", req.Principal).
		Str("side", string(req.Side)).
		Uint64("price", req.Price).
		Uint64("quantity", req.Quantity).
		Logger()

	if err := validateOrder(req); err != nil {
		logger.Warn().Err(err).Msg("order rejected")
		return nil, err
	}

	var order *types.Order
	keys := execution.Keys{Write: []string{types.TraderKey(req.MarketID, req.Principal)}}
	err := s.exec.Mutate(ctx, keys, func(tx *execution.Tx) error {
		if _, err := tx.Market(req.MarketID); err != nil {
			return err
		}
		trader, err := tx.Trader(req.MarketID, req.Principal)
		if err != nil {
			return err
		}

		order = &types.Order{
			OrderID:   uuid.New().String(),
			Owner:     req.Owner,
			Side:      req.Side,
			Price:     req.Price,
			Quantity:  req.Quantity,
			CreatedAt: tx.Now(),
		}
		leg, escrow, err := order.Escrow()
		if err != nil {
			return err
		}
		if err := trader.Debit(leg, escrow); err != nil {
			return err
		}
		trader.Orders = append(trader.Orders, *order)
		return tx.PutTrader(trader)
	})
	if err != nil {
		logger.Warn().Err(err).Msg("order rejected")
		return nil, err
	}

	logger.Info().Str("order_id", order.OrderID).Msg("order placed")
	return order, nil
}

func validateOrder(req CreateOrder) error {
	switch {
	case req.Owner != req.Principal:
		return fmt.Errorf("%w: order owned by %q placed by %q", types.ErrInvalidOrderOwner, req.Owner, req.Principal)
	case req.MatchTimestamp != nil:
		return types.ErrAlreadyMatched
	case !req.Side.Valid():
		return fmt.Errorf("%w: side %q", types.ErrInvalidOrderType, req.Side)
	case req.Price == 0 || req.Quantity == 0:
		return fmt.Errorf("%w: price and quantity must be positive", types.ErrInvalidAmount)
	}
	return nil
}

// OpenOrders returns the principal's resting orders.
func (s *Service) OpenOrders(ctx context.Context, marketID, principal string) ([]types.Order, error) {
	trader, err := s.exec.Trader(ctx, marketID, principal)
	if err != nil {
		return nil, err
	}
	return trader.Orders, nil
}

// Market returns a market record as seen by this context.
func (s *Service) Market(ctx context.Context, marketID string) (*types.Market, error) {
	return s.exec.Market(ctx, marketID)
}
