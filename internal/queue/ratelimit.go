package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var incrWithTTLScript = redis.NewScript(`
local c = redis.call("INCR", KEYS[1])
if c == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return c
`)

// RateLimiter caps generation requests per profile and chat inside a
// fixed hourly window.
type RateLimiter struct {
	redis *redis.Client
	limit int64
}

func NewRateLimiter(rdb *redis.Client, limit int64) *RateLimiter {
	return &RateLimiter{redis: rdb, limit: limit}
}

func (r *RateLimiter) Allow(ctx context.Context, profile, chatID string, now time.Time) (allowed bool, used int64, resetAt time.Time, err error) {
	windowStart := now.UTC().Truncate(time.Hour)
	windowEnd := windowStart.Add(time.Hour)
	ttl := int64(windowEnd.Sub(now.UTC()).Seconds())
	if ttl < 1 {
		ttl = 1
	}

	key := fmt.Sprintf("charchat:ratelimit:%s:%s:%s", profile, chatID, windowStart.Format("2006010215"))
	res, err := incrWithTTLScript.Run(ctx, r.redis, []string{key}, ttl).Int64()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("rate limit script: %w", err)
	}
	return res <= r.limit, res, windowEnd, nil
}

// MessageDeduplicator suppresses duplicate persistence of the same
// message id, typically caused by client retries.
type MessageDeduplicator struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewMessageDeduplicator(rdb *redis.Client, ttl time.Duration) *MessageDeduplicator {
	return &MessageDeduplicator{redis: rdb, ttl: ttl}
}

// MarkFirst reports whether this message id is seen for the first time
// within the dedupe window.
func (d *MessageDeduplicator) MarkFirst(ctx context.Context, messageID string) (bool, error) {
	key := "charchat:message:" + messageID
	ok, err := d.redis.SetNX(ctx, key, "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe setnx: %w", err)
	}
	return ok, nil
}
