package delegation

import (
	"context"
	"errors"
	"time"

	"github.com/ksred/klear-ephemeral/internal/types"
	"github.com/rs/zerolog/log"
)

// Processor periodically checkpoints every delegated record into the durable
// store so that a lost fast context costs at most one interval of activity.
type Processor struct {
	manager  *Manager
	interval time.Duration
}

func NewProcessor(manager *Manager, interval time.Duration) *Processor {
	return &Processor{
		manager:  manager,
		interval: interval,
	}
}

// Start runs the checkpoint loop until ctx is cancelled.
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "checkpoint_processor").Logger()
	logger.Info().Dur("interval", p.interval).Msg("starting checkpoint processor")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down checkpoint processor")
			return
		case <-ticker.C:
			if _, err := p.CheckpointAll(ctx); err != nil {
				logger.Error().Err(err).Msg("failed to checkpoint delegated records")
			}
		}
	}
}

// CheckpointAll commits every Owned(fast) record once and returns how many
// were written. Records busy with another operation are left for the next
// round.
func (p *Processor) CheckpointAll(ctx context.Context) (int, error) {
	logger := log.With().Str("component", "checkpoint_processor").Logger()

	delegated, err := p.manager.OwnedBy(ctx, types.Fast)
	if err != nil {
		return 0, err
	}

	committed := 0
	for _, d := range delegated {
		err := p.manager.Commit(ctx, d.RecordKey)
		switch {
		case err == nil:
			committed++
		case errors.Is(err, types.ErrRecordBusy), errors.Is(err, types.ErrAuthorityMismatch),
			errors.Is(err, types.ErrTransitionPending):
			logger.Debug().Err(err).Str("record_key", d.RecordKey).Msg("record moved or busy, skipping")
		default:
			logger.Error().Err(err).Str("record_key", d.RecordKey).Msg("failed to checkpoint record")
		}
	}

	logger.Debug().Int("delegated", len(delegated)).Int("committed", committed).Msg("checkpoint round complete")
	return committed, nil
}
