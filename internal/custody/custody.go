// Package custody moves tokens between a trader's external account and the
// market vault. The ledger only records balances after custody confirms.
package custody

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/ksred/klear-ephemeral/internal/types"
	"github.com/rs/zerolog/log"
)

var (
	ErrTransferFailed   = errors.New("custody transfer failed")
	ErrVaultUnderfunded = errors.New("vault holds less than requested")
)

// Transfer is one token movement between an external account and the vault
// of a market.
type Transfer struct {
	MarketID  string
	Account   string
	Asset     types.Asset
	Amount    uint64
	Reference string
}

// Custodian performs token transfers. TransferOut is signed under the
// ledger's own authority.
type Custodian interface {
	TransferIn(ctx context.Context, t Transfer) error
	TransferOut(ctx context.Context, t Transfer) error
}

// Vault is an in-process custodian simulating a token program: transfers
// take a random latency and fail with probability 1-SuccessRate.
type Vault struct {
	ID          string
	MinLatency  int // in milliseconds
	MaxLatency  int
	SuccessRate float64 // 0-1, probability a transfer lands

	mu       sync.Mutex
	held     map[string]uint64
	failNext int
}

// NewVault returns a vault that never fails and answers immediately.
func NewVault(id string) *Vault {
	return &Vault{ID: id, SuccessRate: 1, held: make(map[string]uint64)}
}

// FailNext makes the next n transfers fail.
func (v *Vault) FailNext(n int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failNext = n
}

// Held returns the amount of asset the vault holds for a market.
func (v *Vault) Held(marketID string, asset types.Asset) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.held[holding(marketID, asset)]
}

func holding(marketID string, asset types.Asset) string {
	return marketID + "/" + string(asset)
}

func (v *Vault) TransferIn(ctx context.Context, t Transfer) error {
	return v.transfer(ctx, "in", t, func(held uint64) (uint64, error) {
		if held+t.Amount < held {
			return 0, fmt.Errorf("%w: vault overflow", types.ErrInvalidAmount)
		}
		return held + t.Amount, nil
	})
}

func (v *Vault) TransferOut(ctx context.Context, t Transfer) error {
	return v.transfer(ctx, "out", t, func(held uint64) (uint64, error) {
		if held < t.Amount {
			return 0, fmt.Errorf("%w: %s holds %d %s, requested %d", ErrVaultUnderfunded, v.ID, held, t.Asset, t.Amount)
		}
		return held - t.Amount, nil
	})
}

func (v *Vault) transfer(ctx context.Context, direction string, t Transfer, apply func(uint64) (uint64, error)) error {
	logger := log.With().
		Str("vault_id", v.ID).
		Str("direction", direction).
		Str("market_id", t.MarketID).
		Str("account", t.Account).
		Str("asset", string(t.Asset)).
		Uint64("amount", t.Amount).
		Str("reference", t.Reference).
		Logger()

	if v.MaxLatency > 0 {
		latency := rand.Intn(v.MaxLatency-v.MinLatency+1) + v.MinLatency
		logger.Debug().Int("latency_ms", latency).Msg("simulated transfer latency")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(latency) * time.Millisecond):
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.failNext > 0 {
		v.failNext--
		logger.Warn().Msg("transfer rejected by injected failure")
		return fmt.Errorf("%w: %s rejected transfer %s", ErrTransferFailed, v.ID, direction)
	}
	if rand.Float64() > v.SuccessRate {
		logger.Warn().Float64("success_rate", v.SuccessRate).Msg("transfer failed due to success rate threshold")
		return fmt.Errorf("%w: %s", ErrTransferFailed, v.ID)
	}

	key := holding(t.MarketID, t.Asset)
	next, err := apply(v.held[key])
	if err != nil {
		logger.Warn().Err(err).Msg("transfer refused")
		return err
	}
	v.held[key] = next

	logger.Info().Uint64("vault_balance", next).Msg("transfer settled")
	return nil
}

var _ Custodian = (*Vault)(nil)
