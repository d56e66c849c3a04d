package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deletes the key only while it still holds our token.
const releaseLuaScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`

// RedisLock is a Locker shared by every process pointed at the same Redis.
type RedisLock struct {
	client  *redis.Client
	release *redis.Script
}

// NewRedisLock creates a RedisLock.
func NewRedisLock(client *redis.Client) *RedisLock {
	return &RedisLock{client: client, release: redis.NewScript(releaseLuaScript)}
}

func (l *RedisLock) TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	token := newToken()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, nil
	}
	return &redisLease{lock: l, key: key, token: token}, nil
}

type redisLease struct {
	lock  *RedisLock
	key   string
	token string
}

func (r *redisLease) Key() string { return r.key }

func (r *redisLease) Release(ctx context.Context) error {
	if err := r.lock.release.Run(ctx, r.lock.client, []string{r.key}, r.token).Err(); err != nil {
		return fmt.Errorf("release %s: %w", r.key, err)
	}
	return nil
}
