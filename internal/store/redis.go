package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on top of a Redis server. Increment-and-check
// sequences run as Lua scripts so a burst of concurrent requests from the
// same identity cannot race past a limit check.
type RedisStore struct {
	client *redis.Client
}

var incrWithTTLScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
return {count, ttl}
`)

var decrFloorScript = redis.NewScript(`
local count = redis.call('DECR', KEYS[1])
if count < 0 then
  redis.call('SET', KEYS[1], '0', 'KEEPTTL')
end
return count
`)

var attemptIncrScript = redis.NewScript(`
local count = redis.call('HINCRBY', KEYS[1], 'attempts', 1)
if count == 1 then
  redis.call('HSET', KEYS[1], 'first_seen', ARGV[1])
  if tonumber(ARGV[2]) > 0 then
    redis.call('PEXPIRE', KEYS[1], ARGV[2])
  end
end
local first = redis.call('HGET', KEYS[1], 'first_seen')
return {count, first}
`)

// NewRedisStore connects to the Redis server at url (e.g.
// redis://localhost:6379) and verifies connectivity.
func NewRedisStore(url string) (*RedisStore, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, time.Duration, error) {
	res, err := incrWithTTLScript.Run(ctx, s.client, []string{key}, ttl.Milliseconds()).Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("incrementing %s: %w", key, err)
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("incrementing %s: unexpected script reply %v", key, res)
	}
	count, _ := res[0].(int64)
	ttlMs, _ := res[1].(int64)
	if ttlMs < 0 {
		ttlMs = 0
	}
	return count, time.Duration(ttlMs) * time.Millisecond, nil
}

func (s *RedisStore) Decr(ctx context.Context, key string) error {
	if err := decrFloorScript.Run(ctx, s.client, []string{key}).Err(); err != nil {
		return fmt.Errorf("decrementing %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) CounterTTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("reading TTL of %s: %w", key, err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

func (s *RedisStore) AttemptIncr(ctx context.Context, key string, initialTTL time.Duration) (Attempt, error) {
	now := time.Now().UTC()
	res, err := attemptIncrScript.Run(ctx, s.client, []string{key}, now.UnixMilli(), initialTTL.Milliseconds()).Slice()
	if err != nil {
		return Attempt{}, fmt.Errorf("incrementing attempts %s: %w", key, err)
	}
	if len(res) != 2 {
		return Attempt{}, fmt.Errorf("incrementing attempts %s: unexpected script reply %v", key, res)
	}
	count, _ := res[0].(int64)
	firstStr, _ := res[1].(string)
	firstMs, _ := strconv.ParseInt(firstStr, 10, 64)
	return Attempt{Count: count, FirstSeen: time.UnixMilli(firstMs).UTC()}, nil
}

func (s *RedisStore) AttemptGet(ctx context.Context, key string) (Attempt, error) {
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return Attempt{}, fmt.Errorf("reading attempts %s: %w", key, err)
	}
	if len(fields) == 0 {
		return Attempt{}, nil
	}
	count, _ := strconv.ParseInt(fields["attempts"], 10, 64)
	firstMs, _ := strconv.ParseInt(fields["first_seen"], 10, 64)
	return Attempt{Count: count, FirstSeen: time.UnixMilli(firstMs).UTC()}, nil
}

func (s *RedisStore) SetTTL(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.PExpire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("setting TTL of %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) HashSet(ctx context.Context, key, field string, value []byte) error {
	if err := s.client.HSet(ctx, key, field, value).Err(); err != nil {
		return fmt.Errorf("setting hash field %s/%s: %w", key, field, err)
	}
	return nil
}

func (s *RedisStore) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("reading hash %s: %w", key, err)
	}
	return fields, nil
}

func (s *RedisStore) HashDelete(ctx context.Context, key, field string) error {
	if err := s.client.HDel(ctx, key, field).Err(); err != nil {
		return fmt.Errorf("deleting hash field %s/%s: %w", key, field, err)
	}
	return nil
}

func (s *RedisStore) PushTrim(ctx context.Context, key string, value []byte, max int64) error {
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, value)
	pipe.LTrim(ctx, key, 0, max-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("appending to %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	entries, err := s.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("reading list %s: %w", key, err)
	}
	return entries, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
