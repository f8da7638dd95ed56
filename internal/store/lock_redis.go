package store

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// DefaultLockTTL bounds how long a crashed process can hold a lock.
const DefaultLockTTL = 2 * time.Hour

// releaseScript deletes the lock only if owner still holds it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLock makes an output path exclusive across processes.
type RedisLock struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisLock connects to redisURL. ttl <= 0 means DefaultLockTTL.
func NewRedisLock(redisURL string, ttl time.Duration) (*RedisLock, error) {
	c, err := connect(redisURL)
	if err != nil {
		return nil, err
	}
	return NewRedisLockFromClient(c, ttl), nil
}

// NewRedisLockFromClient shares an existing client.
func NewRedisLockFromClient(c *redis.Client, ttl time.Duration) *RedisLock {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &RedisLock{client: c, ttl: ttl}
}

func (l *RedisLock) key(name string) string { return fmt.Sprintf("lock:output:%s", name) }

// Acquire takes the lock for owner. It returns false when someone else
// holds it.
func (l *RedisLock) Acquire(ctx context.Context, name, owner string) (bool, error) {
	return l.client.SetNX(ctx, l.key(name), owner, l.ttl).Result()
}

// Release drops the lock if owner still holds it.
func (l *RedisLock) Release(ctx context.Context, name, owner string) error {
	err := releaseScript.Run(ctx, l.client, []string{l.key(name)}, owner).Err()
	if err == redis.Nil {
		return nil
	}
	return err
}

// Holder returns the current owner of name, or "" when free.
func (l *RedisLock) Holder(ctx context.Context, name string) (string, error) {
	v, err := l.client.Get(ctx, l.key(name)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}
