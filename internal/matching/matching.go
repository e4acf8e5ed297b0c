// Package matching settles a resting sell against a resting buy at the
// maker's price, bounded by an attested reference price.
package matching

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/ksred/klear-ephemeral/internal/execution"
	"github.com/ksred/klear-ephemeral/internal/feed"
	"github.com/ksred/klear-ephemeral/internal/types"
	"github.com/rs/zerolog/log"
)

// Service handles order matching within one execution context
type Service struct {
	exec      *execution.Executor
	publisher feed.Publisher
}

func NewService(exec *execution.Executor, publisher feed.Publisher) *Service {
	if publisher == nil {
		publisher = feed.Nop{}
	}
	return &Service{
		exec:      exec,
		publisher: publisher,
	}
}

// MatchOrder settles both orders in full or changes nothing.
//
// The maker receives maker.Price*qty quote and the taker qty base. The
// taker escrowed taker.Price*qty, so the difference is returned to the
// taker's spendable quote. Both orders are stamped with the attested time
// and leave the book in the same commit.
func (s *Service) MatchOrder(ctx context.Context, req MatchRequest) (*Match, error) {
	logger := log.With().
		Str("service", "matching").
		Str("context", string(s.exec.Context())).
		Str("market_id", req.MarketID).
		Str("maker", req.Maker.Principal).
		Str("maker_order_id", req.Maker.OrderID).
		Str("taker", req.Taker.Principal).
		Str("taker_order_id", req.Taker.OrderID).
		Uint64("attested_price", req.AttestedPrice).
		Logger()

	var match *Match
	keys := execution.Keys{Write: []string{
		types.TraderKey(req.MarketID, req.Maker.Principal),
		types.TraderKey(req.MarketID, req.Taker.Principal),
	}}
	err := s.exec.Mutate(ctx, keys, func(tx *execution.Tx) error {
		if _, err := tx.Market(req.MarketID); err != nil {
			return err
		}

		maker, makerOrder, err := resting(tx, req.MarketID, req.Maker, types.Sell)
		if err != nil {
			return fmt.Errorf("maker: %w", err)
		}
		taker, takerOrder, err := resting(tx, req.MarketID, req.Taker, types.Buy)
		if err != nil {
			return fmt.Errorf("taker: %w", err)
		}

		if makerOrder.Price > req.AttestedPrice || takerOrder.Price < req.AttestedPrice {
			return fmt.Errorf("%w: attested price %d outside [%d, %d]",
				types.ErrMismatchingOrders, req.AttestedPrice, makerOrder.Price, takerOrder.Price)
		}
		if makerOrder.Quantity != takerOrder.Quantity {
			return fmt.Errorf("%w: quantities %d and %d differ",
				types.ErrMismatchingOrders, makerOrder.Quantity, takerOrder.Quantity)
		}

		qty := makerOrder.Quantity
		notional, err := types.Notional(makerOrder.Price, qty)
		if err != nil {
			return err
		}
		escrowed, err := types.Notional(takerOrder.Price, qty)
		if err != nil {
			return err
		}

		makerOrder.MatchTimestamp = &req.AttestedTime
		takerOrder.MatchTimestamp = &req.AttestedTime
		maker.RemoveOrders(makerOrder.OrderID)
		taker.RemoveOrders(takerOrder.OrderID)

		if err := settle(maker, taker, qty, notional, escrowed-notional); err != nil {
			return err
		}

		match = &Match{
			Trade: types.Trade{
				TradeID:       uuid.New().String(),
				MarketID:      req.MarketID,
				Maker:         maker.Principal,
				Taker:         taker.Principal,
				MakerOrderID:  makerOrder.OrderID,
				TakerOrderID:  takerOrder.OrderID,
				Price:         makerOrder.Price,
				Quantity:      qty,
				AttestedPrice: req.AttestedPrice,
				MatchedAt:     req.AttestedTime,
			},
			MakerOrder: makerOrder,
			TakerOrder: takerOrder,
		}

		if err := tx.PutTrader(maker); err != nil {
			return err
		}
		return tx.PutTrader(taker)
	})
	if err != nil {
		logger.Warn().Err(err).Msg("match rejected")
		return nil, err
	}

	logger.Info().
		Str("trade_id", match.Trade.TradeID).
		Uint64("price", match.Trade.Price).
		Uint64("quantity", match.Trade.Quantity).
		Msg("orders matched")

	if err := s.publisher.Publish(ctx, match.Trade); err != nil {
		logger.Error().Err(err).Str("trade_id", match.Trade.TradeID).Msg("failed to publish trade")
	}
	return match, nil
}

// resting loads a trader and a copy of one of its open orders, checking the
// order's side.
func resting(tx *execution.Tx, marketID string, ref types.OrderRef, side types.Side) (*types.Trader, types.Order, error) {
	trader, err := tx.Trader(marketID, ref.Principal)
	if err != nil {
		return nil, types.Order{}, err
	}
	order, ok := trader.Order(ref.OrderID)
	if !ok {
		return nil, types.Order{}, fmt.Errorf("%w: %s has no open order %s", types.ErrInvalidOrderIndex, ref.Principal, ref.OrderID)
	}
	if order.MatchTimestamp != nil {
		return nil, types.Order{}, fmt.Errorf("%w: %s", types.ErrAlreadyMatched, ref.OrderID)
	}
	if order.Side != side {
		return nil, types.Order{}, fmt.Errorf("%w: order %s is %s, expected %s", types.ErrInvalidOrderType, ref.OrderID, order.Side, side)
	}
	return trader, *order, nil
}

// settle moves the traded amounts once both orders have left the book. The
// trade clears at the maker's price; when the taker bid above it, the unused
// quote escrow (improvement) is credited back to the taker, which takes
// precedence over crediting only the counter-asset. maker and taker may be
// the same record.
func settle(maker, taker *types.Trader, qty, notional, improvement uint64) error {
	if err := maker.Credit(types.QuoteLeg, notional); err != nil {
		return err
	}
	if err := maker.QuoteFlows.Receive(notional); err != nil {
		return err
	}
	if err := maker.BaseFlows.Deliver(qty); err != nil {
		return err
	}

	if err := taker.Credit(types.BaseLeg, qty); err != nil {
		return err
	}
	if err := taker.BaseFlows.Receive(qty); err != nil {
		return err
	}
	if err := taker.QuoteFlows.Deliver(notional); err != nil {
		return err
	}

	return taker.Credit(types.QuoteLeg, improvement)
}
