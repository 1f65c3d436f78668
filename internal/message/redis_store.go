package message

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisTimeout = 2 * time.Second

// redisKey returns the Redis key for a room's message list.
func redisKey(room string) string {
	return "room:" + room + ":messages"
}

// RedisStore persists messages in Redis using a list per room, so history
// is shared by every instance and survives restarts.
type RedisStore struct {
	client  redis.Cmdable
	maxSize int64
	ttl     time.Duration
	log     *zap.Logger
}

// NewRedisStore creates a RedisStore that retains up to maxSize messages per
// room, at least one. A positive ttl expires a room's history after that
// much inactivity.
func NewRedisStore(client redis.Cmdable, maxSize int, ttl time.Duration, log *zap.Logger) *RedisStore {
	if maxSize < 1 {
		maxSize = 1
	}
	return &RedisStore{
		client:  client,
		maxSize: int64(maxSize),
		ttl:     ttl,
		log:     log,
	}
}

// Append adds a message to the room's list in Redis, trimming to maxSize.
func (s *RedisStore) Append(msg *Message) {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	data, err := json.Marshal(msg)
	if err != nil {
		s.log.Error("marshal message", zap.Error(err))
		return
	}

	key := redisKey(msg.Room)
	pipe := s.client.Pipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, -s.maxSize, -1)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.log.Warn("append message", zap.String("room", msg.Room), zap.Error(err))
	}
}

// Recent returns the last n messages for a room, oldest first.
func (s *RedisStore) Recent(room string, n int) []*Message {
	if n <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	vals, err := s.client.LRange(ctx, redisKey(room), int64(-n), -1).Result()
	if err != nil {
		s.log.Warn("read recent messages", zap.String("room", room), zap.Error(err))
		return nil
	}
	if len(vals) == 0 {
		return nil
	}

	msgs := make([]*Message, 0, len(vals))
	for _, v := range vals {
		var m Message
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			continue
		}
		msgs = append(msgs, &m)
	}
	return msgs
}

// Count returns the number of stored messages for a room.
func (s *RedisStore) Count(room string) int {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	n, err := s.client.LLen(ctx, redisKey(room)).Result()
	if err != nil {
		s.log.Warn("count messages", zap.String("room", room), zap.Error(err))
		return 0
	}
	return int(n)
}
