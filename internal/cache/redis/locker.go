package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-ephemeral/internal/locks"
	"github.com/ksred/klear-ephemeral/internal/types"
	"github.com/redis/go-redis/v9"
)

// unlockLua deletes a lock key only if it still carries the caller's token.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// Locker implements locks.Locker with SETNX and a TTL. The TTL only matters
// when a holder dies without releasing.
type Locker struct {
	rdb      *redis.Client
	unlockSc *redis.Script
	ttl      time.Duration
}

func NewLocker(c *Client, ttl time.Duration) *Locker {
	return &Locker{
		rdb:      c.rdb,
		unlockSc: redis.NewScript(unlockLua),
		ttl:      ttl,
	}
}

func lockKey(key string) string {
	return "klear:lock:" + key
}

// TryAcquire takes every key or none of them.
func (l *Locker) TryAcquire(ctx context.Context, keys ...string) (func(), error) {
	token := uuid.New().String()
	keys = locks.Normalize(keys)

	acquired := make([]string, 0, len(keys))
	release := func() {
		// background context so release succeeds after the caller's ctx ends
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, k := range acquired {
			_ = l.unlockSc.Run(unlockCtx, l.rdb, []string{lockKey(k)}, token).Err()
		}
		acquired = acquired[:0]
	}

	for _, k := range keys {
		ok, err := l.rdb.SetNX(ctx, lockKey(k), token, l.ttl).Result()
		if err != nil {
			release()
			return nil, fmt.Errorf("redis: acquire lock %s: %w", k, err)
		}
		if !ok {
			release()
			return nil, fmt.Errorf("%w: %s", types.ErrRecordBusy, k)
		}
		acquired = append(acquired, k)
	}

	return release, nil
}

var _ locks.Locker = (*Locker)(nil)
