package httpx

import (
	"context"
	"errors"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	redisRateLimitPrefix = "andi:realtime:ratelimit:"
	redisRateTimeout     = 250 * time.Millisecond
)

// windowScript increments a window counter and returns {count, pttl}. The expiry is set by the
// first hit and repaired if a key ever lost it, all in one round trip.
var windowScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

type redisRateLimiter struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisRateLimiter returns a limiter shared by every replica through Redis. Redis errors fail
// open so an outage never blocks handshakes.
func NewRedisRateLimiter(addr, password string, db int, logger *slog.Logger) (RateLimiter, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &redisRateLimiter{client: client, logger: logger.With("component", "redis_rate_limiter")}, nil
}

func (rl *redisRateLimiter) Allow(ctx context.Context, key string, rule RateRule) rateDecision {
	if rule.Limit <= 0 || rule.Window <= 0 {
		return rateDecision{allowed: true}
	}
	ctx, cancel := context.WithTimeout(ctx, redisRateTimeout)
	defer cancel()

	vals, err := windowScript.Run(ctx, rl.client, []string{redisRateLimitPrefix + key}, rule.Window.Milliseconds()).Int64Slice()
	if err == nil && len(vals) != 2 {
		err = errors.New("unexpected script reply")
	}
	if err != nil {
		rl.logger.Error("redis rate limiter unavailable, allowing request", "rule", rule.Name, "error", err)
		return rateDecision{allowed: true}
	}
	count := int(vals[0])
	return rateDecision{
		allowed: count <= rule.Limit,
		count:   count,
		resetAt: time.Now().Add(time.Duration(vals[1]) * time.Millisecond),
	}
}

func (rl *redisRateLimiter) Close() {
	_ = rl.client.Close()
}
