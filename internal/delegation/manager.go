// Package delegation governs which execution context may mutate a record.
// Records are created Owned(durable), handed to the fast context by Delegate
// and committed back by Undelegate. The manager moves record bytes between
// the two stores but never interprets them.
package delegation

import (
	"context"
	"errors"
	"fmt"

	"github.com/ksred/klear-ephemeral/internal/locks"
	"github.com/ksred/klear-ephemeral/internal/store"
	"github.com/ksred/klear-ephemeral/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Archiver keeps a copy of every snapshot committed back by Undelegate.
type Archiver interface {
	Archive(ctx context.Context, key string, snapshot []byte) error
}

type Manager struct {
	db       *Database
	locker   locks.Locker
	durable  store.Store
	fast     store.Store
	archiver Archiver
}

type Option func(*Manager)

func WithArchiver(a Archiver) Option {
	return func(m *Manager) { m.archiver = a }
}

func NewManager(gormDB *gorm.DB, locker locks.Locker, durable, fast store.Store, opts ...Option) *Manager {
	m := &Manager{
		db:      NewDatabase(gormDB),
		locker:  locker,
		durable: durable,
		fast:    fast,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Locker exposes the record locks so executors serialise with transitions.
func (m *Manager) Locker() locks.Locker {
	return m.locker
}

// Store returns the record store of an execution context.
func (m *Manager) Store(c types.Context) store.Store {
	if c == types.Fast {
		return m.fast
	}
	return m.durable
}

func opLogger(op, key string) zerolog.Logger {
	return log.With().
		Str("service", "delegation").
		Str("op", op).
		Str("record_key", key).
		Logger()
}

// Register creates the ownership row of a new record in Owned(durable).
func (m *Manager) Register(ctx context.Context, key string) error {
	err := m.db.CreateDelegation(ctx, &Delegation{RecordKey: key, Owner: types.Durable})
	if err != nil {
		return fmt.Errorf("register %s: %w", key, err)
	}
	return nil
}

// Unregister drops the ownership row of a record whose creation failed.
func (m *Manager) Unregister(ctx context.Context, key string) error {
	return m.db.DeleteDelegation(ctx, key)
}

// Authorize fails unless the record is currently Owned(caller).
func (m *Manager) Authorize(ctx context.Context, key string, caller types.Context) error {
	d, err := m.db.GetDelegation(ctx, key)
	if err != nil {
		return fmt.Errorf("authorize %s: %w", key, err)
	}
	return checkOwner(d, key, caller)
}

func checkOwner(d *Delegation, key string, want types.Context) error {
	switch {
	case d == nil:
		return fmt.Errorf("%w: %s has no owner", types.ErrAuthorityMismatch, key)
	case d.Pending:
		return fmt.Errorf("%w: %s", types.ErrTransitionPending, key)
	case d.Owner != want:
		return fmt.Errorf("%w: %s is %s, caller is %s", types.ErrAuthorityMismatch, key, d.State(), want)
	}
	return nil
}

// State returns the ownership row of a record.
func (m *Manager) State(ctx context.Context, key string) (*Delegation, error) {
	d, err := m.db.GetDelegation(ctx, key)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, key)
	}
	return d, nil
}

// OwnedBy lists records currently owned by a context.
func (m *Manager) OwnedBy(ctx context.Context, c types.Context) ([]Delegation, error) {
	return m.db.GetOwnedBy(ctx, c)
}

// Delegate hands a durable record to the fast context.
func (m *Manager) Delegate(ctx context.Context, key string, target types.Context) error {
	logger := opLogger("delegate", key)

	if target != types.Fast {
		return fmt.Errorf("%w: cannot delegate to %s", types.ErrAuthorityMismatch, target)
	}

	release, err := m.locker.TryAcquire(ctx, key)
	if err != nil {
		return err
	}
	defer release()

	d, err := m.db.GetDelegation(ctx, key)
	if err != nil {
		return err
	}
	if err := checkOwner(d, key, types.Durable); err != nil {
		return err
	}

	if err := m.begin(ctx, d, target); err != nil {
		return err
	}

	data, err := m.durable.Get(ctx, key)
	if err != nil {
		m.rollback(ctx, d, types.Durable)
		return fmt.Errorf("delegate %s: read durable copy: %w", key, err)
	}
	if err := m.fast.Apply(ctx, store.NewBatch().Put(key, data)); err != nil {
		m.rollback(ctx, d, types.Durable)
		return fmt.Errorf("delegate %s: write fast copy: %w", key, err)
	}

	if err := m.finish(ctx, d, target); err != nil {
		// left pending; Recover rolls it back to durable
		return fmt.Errorf("delegate %s: %w", key, err)
	}

	logger.Info().Int("bytes", len(data)).Msg("record delegated")
	return nil
}

// Undelegate commits the fast copy of a record to the durable store and
// returns ownership to the durable context.
func (m *Manager) Undelegate(ctx context.Context, key string) error {
	logger := opLogger("undelegate", key)

	release, err := m.locker.TryAcquire(ctx, key)
	if err != nil {
		return err
	}
	defer release()

	d, err := m.db.GetDelegation(ctx, key)
	if err != nil {
		return err
	}
	if err := checkOwner(d, key, types.Fast); err != nil {
		return err
	}

	snapshot, err := m.fast.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("undelegate %s: snapshot: %w", key, err)
	}

	if err := m.begin(ctx, d, types.Durable); err != nil {
		return err
	}

	if err := m.durable.Apply(ctx, store.NewBatch().Put(key, snapshot)); err != nil {
		m.rollback(ctx, d, types.Fast)
		return fmt.Errorf("undelegate %s: commit snapshot: %w", key, err)
	}
	m.archive(ctx, key, snapshot)

	if err := m.finish(ctx, d, types.Durable); err != nil {
		// left pending; Recover finishes the handover
		return fmt.Errorf("undelegate %s: %w", key, err)
	}

	if err := m.fast.Apply(ctx, store.NewBatch().Delete(key)); err != nil {
		logger.Warn().Err(err).Msg("failed to drop fast copy after undelegation")
	}

	logger.Info().Int("bytes", len(snapshot)).Msg("record undelegated")
	return nil
}

// Commit checkpoints the fast copy of a delegated record into the durable
// store without changing ownership.
func (m *Manager) Commit(ctx context.Context, key string) error {
	release, err := m.locker.TryAcquire(ctx, key)
	if err != nil {
		return err
	}
	defer release()

	d, err := m.db.GetDelegation(ctx, key)
	if err != nil {
		return err
	}
	if err := checkOwner(d, key, types.Fast); err != nil {
		return err
	}

	snapshot, err := m.fast.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("commit %s: snapshot: %w", key, err)
	}
	if err := m.durable.Apply(ctx, store.NewBatch().Put(key, snapshot)); err != nil {
		return fmt.Errorf("commit %s: %w", key, err)
	}

	logger := opLogger("commit", key)
	logger.Debug().Int("bytes", len(snapshot)).Msg("record checkpointed")
	return nil
}

// Recover settles transitions interrupted by a crash. Interrupted
// delegations fall back to the durable copy; interrupted undelegations are
// completed from the fast copy when it still exists.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	pending, err := m.db.GetPending(ctx)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for i := range pending {
		d := &pending[i]
		logger := opLogger("recover", d.RecordKey)

		release, err := m.locker.TryAcquire(ctx, d.RecordKey)
		if err != nil {
			logger.Warn().Err(err).Msg("skipping busy record")
			continue
		}

		if err := m.recoverOne(ctx, d); err != nil {
			release()
			return recovered, fmt.Errorf("recover %s: %w", d.RecordKey, err)
		}
		release()

		logger.Info().Str("owner", string(d.Owner)).Msg("pending transition resolved")
		recovered++
	}
	return recovered, nil
}

func (m *Manager) recoverOne(ctx context.Context, d *Delegation) error {
	if d.Target == types.Durable {
		snapshot, err := m.fast.Get(ctx, d.RecordKey)
		switch {
		case err == nil:
			if err := m.durable.Apply(ctx, store.NewBatch().Put(d.RecordKey, snapshot)); err != nil {
				return err
			}
		case !errors.Is(err, store.ErrNotFound):
			return err
		}
	}

	if err := m.fast.Apply(ctx, store.NewBatch().Delete(d.RecordKey)); err != nil {
		return err
	}
	return m.finish(ctx, d, types.Durable)
}

func (m *Manager) begin(ctx context.Context, d *Delegation, target types.Context) error {
	d.Pending = true
	d.Target = target
	if err := m.db.UpdateDelegation(ctx, d); err != nil {
		return fmt.Errorf("mark %s pending: %w", d.RecordKey, err)
	}
	return nil
}

func (m *Manager) finish(ctx context.Context, d *Delegation, owner types.Context) error {
	d.Owner = owner
	d.Pending = false
	d.Target = ""
	return m.db.UpdateDelegation(ctx, d)
}

func (m *Manager) rollback(ctx context.Context, d *Delegation, owner types.Context) {
	if err := m.finish(ctx, d, owner); err != nil {
		logger := opLogger("rollback", d.RecordKey)
		logger.Error().Err(err).Msg("failed to roll back pending transition")
	}
}

func (m *Manager) archive(ctx context.Context, key string, snapshot []byte) {
	if m.archiver == nil {
		return
	}
	if err := m.archiver.Archive(ctx, key, snapshot); err != nil {
		logger := opLogger("archive", key)
		logger.Warn().Err(err).Msg("failed to archive undelegation snapshot")
	}
}
