package repository

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still belongs to the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// reserveScript takes a free lease, or extends it when the caller already holds it.
var reserveScript = redis.NewScript(`
if redis.call("SET", KEYS[1], ARGV[1], "NX", "PX", ARGV[2]) then
	return 1
end
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
	return 1
end
return 0
`)

// RedisLockStore keeps recipient leases as keys with a PX expiry, so stale leases vanish
// on their own.
type RedisLockStore struct {
	rdb       *redis.Client
	keyPrefix string
}

var _ LockStore = (*RedisLockStore)(nil)

func NewRedisLockStore(rdb *redis.Client, keyPrefix string) *RedisLockStore {
	if keyPrefix == "" {
		keyPrefix = "lock:rcpt:"
	}
	return &RedisLockStore{rdb: rdb, keyPrefix: keyPrefix}
}

func (s *RedisLockStore) Reserve(ctx context.Context, recipient, holder string, ttl time.Duration, _ time.Time) (bool, error) {
	n, err := reserveScript.Run(ctx, s.rdb, []string{s.keyPrefix + recipient}, holder, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *RedisLockStore) Release(ctx context.Context, recipient, holder string) error {
	return releaseScript.Run(ctx, s.rdb, []string{s.keyPrefix + recipient}, holder).Err()
}

// PruneExpired is a no-op: Redis expires leases itself.
func (s *RedisLockStore) PruneExpired(context.Context, time.Time) (int64, error) {
	return 0, nil
}
