package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter is a fixed-window counter shared by every instance that
// talks to the same Redis.
type RedisLimiter struct {
	client redis.Cmdable
	prefix string
	max    int64
	window time.Duration
}

// NewRedisLimiter allows max events per key per window. Keys are stored
// under "ratelimit:<prefix>:<key>".
func NewRedisLimiter(client redis.Cmdable, prefix string, max int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		prefix: prefix,
		max:    int64(max),
		window: window,
	}
}

func (l *RedisLimiter) key(k string) string {
	return "ratelimit:" + l.prefix + ":" + k
}

// Allow counts an event for key. The counter is created with its expiry in
// the same transaction as the increment, so a key can never outlive its
// window.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	rk := l.key(key)
	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SetNX(ctx, rk, 0, l.window)
		incr = pipe.Incr(ctx, rk)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("ratelimit: incr %s: %w", rk, err)
	}
	return incr.Val() <= l.max, nil
}

// Reset clears the counter for key.
func (l *RedisLimiter) Reset(ctx context.Context, key string) error {
	return l.client.Del(ctx, l.key(key)).Err()
}
