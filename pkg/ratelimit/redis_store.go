package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// recordIfAllowedScript prunes the window, checks the limit and records the
// new timestamps in one atomic evaluation. Scores are unix milliseconds;
// members carry a unique suffix so concurrent requests in the same
// millisecond all count.
var recordIfAllowedScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local n = tonumber(ARGV[4])
local member = ARGV[5]

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)
if count + n > limit then
	return {0, count}
end
for i = 1, n do
	redis.call('ZADD', key, now, member .. ':' .. i)
end
redis.call('PEXPIRE', key, window)
return {1, count + n}
`)

// RedisStore implements a Redis-backed sliding window store so rate limits
// hold across multiple server instances.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// RedisStoreOption configures a RedisStore.
type RedisStoreOption func(*RedisStore)

// WithKeyPrefix overrides the Redis key prefix.
func WithKeyPrefix(prefix string) RedisStoreOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// NewRedisStore creates a Redis-backed store over an existing client.
func NewRedisStore(client redis.UniversalClient, opts ...RedisStoreOption) *RedisStore {
	if client == nil {
		panic("ratelimit.NewRedisStore: client is required")
	}
	s := &RedisStore{
		client: client,
		prefix: "ratelimit:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecordTimestampIfAllowed atomically prunes the window, checks the limit and
// records n timestamps if they fit.
func (s *RedisStore) RecordTimestampIfAllowed(ctx context.Context, key string, timestamp time.Time, window time.Duration, limit int, n int) (bool, int64, error) {
	res, err := recordIfAllowedScript.Run(ctx, s.client,
		[]string{s.prefix + key},
		timestamp.UnixMilli(),
		window.Milliseconds(),
		limit,
		n,
		uuid.NewString(),
	).Result()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit: redis record: %w", err)
	}

	vals, ok := res.([]any)
	if !ok || len(vals) != 2 {
		return false, 0, fmt.Errorf("ratelimit: unexpected script result %v", res)
	}
	recorded, err := toInt64(vals[0])
	if err != nil {
		return false, 0, err
	}
	count, err := toInt64(vals[1])
	if err != nil {
		return false, 0, err
	}
	return recorded == 1, count, nil
}

// CountInWindow returns the number of timestamps within the sliding window.
func (s *RedisStore) CountInWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	redisKey := s.prefix + key
	cutoff := time.Now().Add(-window).UnixMilli()

	pipe := s.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", strconv.FormatInt(cutoff, 10))
	card := pipe.ZCard(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("ratelimit: redis count: %w", err)
	}
	return card.Val(), nil
}

// Delete removes the given key from the store.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("ratelimit: redis delete: %w", err)
	}
	return nil
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("ratelimit: unexpected script value %T", v)
	}
}
