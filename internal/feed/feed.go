// Package feed announces committed trades to downstream consumers. Trades
// are published after the match commits; a failed publish never undoes a
// trade.
package feed

import (
	"context"
	"errors"

	"github.com/ksred/klear-ephemeral/internal/types"
)

type Publisher interface {
	Publish(ctx context.Context, trade types.Trade) error
}

// Nop discards trades.
type Nop struct{}

func (Nop) Publish(context.Context, types.Trade) error { return nil }

// Multi fans a trade out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, trade types.Trade) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, trade); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
