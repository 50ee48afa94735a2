package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisSlidingWindowScript maintains one sorted set per key: member score
// is the hit timestamp in microseconds. Expired members are trimmed, the
// new hit is added, and the count plus oldest surviving score come back
// in one round trip.
// KEYS[1] = window key
// ARGV[1] = window length (microseconds)
// ARGV[2] = now (microseconds)
var redisSlidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local window = tonumber(ARGV[1])
local now = tonumber(ARGV[2])

redis.call("ZREMRANGEBYSCORE", key, 0, now - window)
redis.call("ZADD", key, now, now .. "-" .. redis.call("INCR", key .. ":seq"))
redis.call("PEXPIRE", key, math.ceil(window / 1000))
redis.call("PEXPIRE", key .. ":seq", math.ceil(window / 1000))

local count = redis.call("ZCARD", key)
local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
return {count, oldest[2]}
`)

// RedisStore shares window state across service instances.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis.
func NewRedisStore(addr, password string, db int) *RedisStore {
	return &RedisStore{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

// Hit implements Store.
func (s *RedisStore) Hit(ctx context.Context, key string, window time.Duration, now time.Time) (int, time.Time, error) {
	res, err := redisSlidingWindowScript.Run(ctx, s.client,
		[]string{"ratelimit:" + key}, window.Microseconds(), now.UnixMicro()).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("ratelimit: redis window update: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return 0, time.Time{}, fmt.Errorf("ratelimit: unexpected redis script result %T", res)
	}
	count, _ := vals[0].(int64)

	var oldest time.Time
	if raw, ok := vals[1].(string); ok {
		var micros int64
		if _, err := fmt.Sscanf(raw, "%d", &micros); err == nil && micros > 0 && int(count) > 1 {
			oldest = time.UnixMicro(micros)
		}
	}
	return int(count), oldest, nil
}
