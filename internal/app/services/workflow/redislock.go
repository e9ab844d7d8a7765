package workflow

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisLocker is a best-effort cross-instance action lock on SET NX with a
// TTL. The TTL bounds how long a crashed holder can block others.
type RedisLocker struct {
	client *redis.Client
	prefix string
}

var _ ActionLocker = (*RedisLocker)(nil)

// NewRedisLocker wraps an existing redis client. Keys are namespaced under
// prefix.
func NewRedisLocker(client *redis.Client, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = "threadline:lock:"
	}
	return &RedisLocker{client: client, prefix: prefix}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, l.prefix+key, time.Now().UnixNano(), ttl).Result()
}

func (l *RedisLocker) Release(ctx context.Context, key string) error {
	return l.client.Del(ctx, l.prefix+key).Err()
}
