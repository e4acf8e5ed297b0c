// Package ledger credits and debits trader balances against custody
// transfers into and out of the market vault.
package ledger

import (
	"context"
	"fmt"

	"github.com/ksred/klear-ephemeral/internal/custody"
	"github.com/ksred/klear-ephemeral/internal/execution"
	"github.com/ksred/klear-ephemeral/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Service handles deposits and withdrawals within one execution context
type Service struct {
	exec    *execution.Executor
	custody custody.Custodian
}

func NewService(exec *execution.Executor, custodian custody.Custodian) *Service {
	return &Service{
		exec:    exec,
		custody: custodian,
	}
}

func (s *Service) logger(op string, req ChangeBalance) zerolog.Logger {
	return log.With().
		Str("service", "ledger").
		Str("op", op).
		Str("context", string(s.exec.Context())).
		Str("market_id", req.MarketID).
		Str("principal", req.Principal).
		Str("asset", string(req.Asset)).
		Uint64("amount", req.Amount).
		Logger()
}

// Deposit moves tokens from the principal into the vault and credits the
// spendable balance. Nothing is credited unless custody confirms.
func (s *Service) Deposit(ctx context.Context, req ChangeBalance) (*types.Trader, error) {
	return s.change(ctx, "deposit", req)
}

// Withdraw debits the spendable balance and moves tokens out of the vault
// back to the principal.
func (s *Service) Withdraw(ctx context.Context, req ChangeBalance) (*types.Trader, error) {
	return s.change(ctx, "withdraw", req)
}

func (s *Service) change(ctx context.Context, op string, req ChangeBalance) (*types.Trader, error) {
	logger := s.logger(op, req)

	if req.Amount == 0 {
		return nil, fmt.Errorf("%w: %s of zero", types.ErrInvalidAmount, op)
	}

	transfer := custody.Transfer{
		MarketID:  req.MarketID,
		Account:   req.Principal,
		Asset:     req.Asset,
		Amount:    req.Amount,
		Reference: req.IdempotencyKey,
	}
	move, undo := s.custody.TransferIn, s.custody.TransferOut
	if op == "withdraw" {
		move, undo = s.custody.TransferOut, s.custody.TransferIn
	}

	var (
		result      *types.Trader
		replayed    bool
		transferred bool
	)
	key := types.TraderKey(req.MarketID, req.Principal)
	err := s.exec.Mutate(ctx, execution.Keys{Write: []string{key}}, func(tx *execution.Tx) error {
		market, err := tx.Market(req.MarketID)
		if err != nil {
			return err
		}
		leg, err := market.LegOf(req.Asset)
		if err != nil {
			return err
		}
		trader, err := tx.Trader(req.MarketID, req.Principal)
		if err != nil {
			return err
		}
		result = trader

		applied := types.AppliedChange{Key: req.IdempotencyKey, Op: op, Asset: req.Asset, Amount: req.Amount}
		if prior, ok := trader.AppliedChange(req.IdempotencyKey); ok {
			if prior != applied {
				return fmt.Errorf("%w: idempotency key %q was used for %s of %d %s",
					types.ErrAlreadyExists, prior.Key, prior.Op, prior.Amount, prior.Asset)
			}
			replayed = true
			return nil
		}

		flows := trader.Flows(leg)
		if op == "withdraw" {
			if err := trader.Debit(leg, req.Amount); err != nil {
				return err
			}
			if err := flows.Withdraw(req.Amount); err != nil {
				return err
			}
		} else {
			if err := trader.Credit(leg, req.Amount); err != nil {
				return err
			}
			if err := flows.Deposit(req.Amount); err != nil {
				return err
			}
		}
		trader.MarkApplied(applied)

		if err := move(ctx, transfer); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		transferred = true
		return tx.PutTrader(trader)
	})
	if err != nil {
		if transferred {
			s.compensate(ctx, logger, undo, transfer)
		}
		logger.Warn().Err(err).Msg("balance change rejected")
		return nil, err
	}

	if replayed {
		logger.Info().Str("idempotency_key", req.IdempotencyKey).Msg("idempotent replay, nothing applied")
		return result, nil
	}

	logger.Info().
		Uint64("base_balance", result.BaseBalance).
		Uint64("quote_balance", result.QuoteBalance).
		Msg("balance changed")
	return result, nil
}

// compensate reverses a custody transfer whose ledger entry did not commit.
func (s *Service) compensate(ctx context.Context, logger zerolog.Logger, undo func(context.Context, custody.Transfer) error, t custody.Transfer) {
	if err := undo(context.WithoutCancel(ctx), t); err != nil {
		logger.Error().Err(err).Msg("failed to reverse custody transfer, manual reconciliation required")
		return
	}
	logger.Warn().Msg("custody transfer reversed after failed commit")
}

// Trader returns the principal's holdings with escrow and audit status.
func (s *Service) Trader(ctx context.Context, marketID, principal string) (*TraderView, error) {
	market, err := s.exec.Market(ctx, marketID)
	if err != nil {
		return nil, err
	}
	trader, err := s.exec.Trader(ctx, marketID, principal)
	if err != nil {
		return nil, err
	}
	baseEscrow, quoteEscrow, err := trader.Escrowed()
	if err != nil {
		return nil, err
	}

	view := &TraderView{
		MarketID:  trader.MarketID,
		Principal: trader.Principal,
		Context:   s.exec.Context(),
		Base: LegView{
			Asset:     market.BaseAsset,
			Spendable: trader.BaseBalance,
			Escrowed:  baseEscrow,
			Flows:     trader.BaseFlows,
		},
		Quote: LegView{
			Asset:     market.QuoteAsset,
			Spendable: trader.QuoteBalance,
			Escrowed:  quoteEscrow,
			Flows:     trader.QuoteFlows,
		},
		OpenOrders: len(trader.Orders),
		Balanced:   true,
		UpdatedAt:  trader.UpdatedAt,
	}
	if err := trader.Audit(); err != nil {
		view.Balanced = false
		view.AuditError = err.Error()
	}
	return view, nil
}
