package service

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	redisclient "github.com/bumpxchange/exchange-server/internal/redis"
)

// Limiter answers whether one more request under key fits the sliding window.
type Limiter interface {
	CheckLimit(ctx context.Context, key string, limit int, window time.Duration) (allowed bool, resetAt time.Time)
}

// slidingWindowScript keeps one sorted-set member per admitted request, scored
// by its arrival in milliseconds. It returns {admitted, resetAtMillis}.
var slidingWindowScript = redis.NewScript(`
local now, window, limit = tonumber(ARGV[1]), tonumber(ARGV[2]), tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)

if redis.call('ZCARD', KEYS[1]) >= limit then
    local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
    if #oldest < 2 then
        return {0, now + window}
    end
    return {0, tonumber(oldest[2]) + window}
end

redis.call('ZADD', KEYS[1], now, ARGV[4])
redis.call('PEXPIRE', KEYS[1], window)
return {1, now + window}
`)

// RateLimiter is the Redis-backed Limiter shared by every server instance.
// It fails closed: a request is denied whenever Redis cannot answer.
type RateLimiter struct {
	client *redis.Client
	now    func() time.Time
}

func NewRateLimiter(client *redis.Client) *RateLimiter {
	return &RateLimiter{client: client, now: time.Now}
}

func (rl *RateLimiter) CheckLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Time) {
	now := rl.now()
	denied := now.Add(window)

	reply, err := slidingWindowScript.Run(ctx, rl.client,
		[]string{redisclient.RateLimitKey(key)},
		now.UnixMilli(),
		window.Milliseconds(),
		limit,
		ulid.Make().String(),
	).Int64Slice()
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("rate limit check failed, denying")
		return false, denied
	}
	if len(reply) != 2 {
		log.Warn().Str("key", key).Int("len", len(reply)).Msg("malformed rate limit reply, denying")
		return false, denied
	}

	return reply[0] == 1, time.UnixMilli(reply[1])
}

const memoryLimiterMaxKeys = 10000

// MemoryRateLimiter is the single-instance Limiter used with the in-memory store.
type MemoryRateLimiter struct {
	mu      sync.Mutex
	entries map[string][]time.Time
	now     func() time.Time
}

func NewMemoryRateLimiter() *MemoryRateLimiter {
	return &MemoryRateLimiter{entries: make(map[string][]time.Time), now: time.Now}
}

func (rl *MemoryRateLimiter) CheckLimit(
	_ context.Context,
	key string,
	limit int,
	window time.Duration,
) (allowed bool, resetAt time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	windowStart := now.Add(-window)

	kept := rl.entries[key][:0]
	for _, ts := range rl.entries[key] {
		if ts.After(windowStart) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= limit {
		rl.entries[key] = kept
		return false, kept[0].Add(window)
	}

	if len(rl.entries) >= memoryLimiterMaxKeys {
		rl.evict(windowStart)
	}
	rl.entries[key] = append(kept, now)
	return true, now.Add(window)
}

// evict drops keys whose newest request left the window.
func (rl *MemoryRateLimiter) evict(windowStart time.Time) {
	for key, stamps := range rl.entries {
		if len(stamps) == 0 || !stamps[len(stamps)-1].After(windowStart) {
			delete(rl.entries, key)
		}
	}
}
