package lock

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if it still holds our token, so an
// expired lock reacquired by someone else is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

const (
	defaultTTL   = 5 * time.Second
	retryBackoff = 20 * time.Millisecond
)

var _ Locker = (*RedisLocker)(nil)

// RedisLocker implements Locker with SET NX PX plus a compare-and-delete
// release. The TTL bounds how long a crashed holder can block others.
type RedisLocker struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisLocker creates a RedisLocker. A zero ttl defaults to 5 seconds.
func NewRedisLocker(rdb *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisLocker{rdb: rdb, ttl: ttl}
}

// Acquire polls SET NX with jittered backoff until the lock is obtained,
// the wait budget runs out, or ctx is done.
func (l *RedisLocker) Acquire(ctx context.Context, key string, wait time.Duration) (Lock, error) {
	token := uuid.New().String()
	deadline := time.Now().Add(wait)

	for {
		ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, errors.Wrap(err, "setnx")
		}
		if ok {
			return &redisLock{rdb: l.rdb, key: key, token: token}, nil
		}

		if time.Now().After(deadline) {
			return nil, ErrTimeout
		}

		backoff := retryBackoff + time.Duration(rand.Int64N(int64(retryBackoff)))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
}

type redisLock struct {
	rdb   *redis.Client
	key   string
	token string
}

func (l *redisLock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return errors.Wrap(err, "release lock")
	}
	return nil
}
