// Package locks provides the per-record exclusive-mutation discipline: at
// most one writer per record, and conflicting attempts fail immediately.
package locks

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/ksred/klear-ephemeral/internal/types"
)

// Locker grants exclusive access to a set of record keys. Implementations
// never wait: if any key is held, TryAcquire fails with types.ErrRecordBusy
// and holds nothing.
type Locker interface {
	TryAcquire(ctx context.Context, keys ...string) (release func(), err error)
}

// Set is an in-process Locker.
type Set struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewSet() *Set {
	return &Set{held: make(map[string]struct{})}
}

func (s *Set) TryAcquire(_ context.Context, keys ...string) (func(), error) {
	keys = Normalize(keys)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		if _, ok := s.held[k]; ok {
			return nil, fmt.Errorf("%w: %s", types.ErrRecordBusy, k)
		}
	}
	for _, k := range keys {
		s.held[k] = struct{}{}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for _, k := range keys {
				delete(s.held, k)
			}
		})
	}, nil
}

// Normalize sorts and de-duplicates keys so that every Locker acquires in the
// same order.
func Normalize(keys []string) []string {
	out := slices.Clone(keys)
	slices.Sort(out)
	return slices.Compact(out)
}

var _ Locker = (*Set)(nil)
