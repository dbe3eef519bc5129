package revaluation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lease decides which replica runs a tick. A replica that already holds the
// lease renews it.
type Lease interface {
	Acquire(ctx context.Context, ttl time.Duration) (bool, error)
}

// Releaser is implemented by leases that can be handed back before they
// expire, so another replica takes over on the next tick.
type Releaser interface {
	Release(ctx context.Context) error
}

// LocalLease is used when only one process revalues.
type LocalLease struct{}

func (LocalLease) Acquire(context.Context, time.Duration) (bool, error) { return true, nil }

type RedisLease struct {
	rdb   *redis.Client
	key   string
	owner string
}

func NewRedisLease(rdb *redis.Client, key string) *RedisLease {
	if key == "" {
		key = "tradedesk:revaluation:lease"
	}
	return &RedisLease{rdb: rdb, key: key, owner: uuid.NewString()}
}

// renewScript extends the lease only when this replica still owns it.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

func (l *RedisLease) Acquire(ctx context.Context, ttl time.Duration) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.key, l.owner, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	renewed, err := renewScript.Run(ctx, l.rdb, []string{l.key}, l.owner, ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, err
	}
	return renewed == 1, nil
}

// Release drops the lease if this replica holds it.
func (l *RedisLease) Release(ctx context.Context) error {
	owner, err := l.rdb.Get(ctx, l.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	if owner != l.owner {
		return nil
	}
	return l.rdb.Del(ctx, l.key).Err()
}
