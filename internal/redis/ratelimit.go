package redis

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimitConfig defines rate limiting parameters.
type RateLimitConfig struct {
	Limit  int           // Maximum requests allowed
	Window time.Duration // Time window for the limit
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// WindowSpec names one sliding window for a multi-window check.
type WindowSpec struct {
	Key    string
	Limit  int
	Window time.Duration
}

// allowScript trims each window, checks every ceiling, and only then
// consumes a slot from all of them. Running as a single script makes
// check-and-consume atomic: concurrent callers serialize inside Redis, so
// a full window can never admit more than its ceiling, and a denial by one
// window never strands a slot already taken from another.
//
// Scores and windows are in milliseconds. Replies as {allowed, remaining,
// denying window index (1-based) or 0}.
var allowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local n = tonumber(ARGV[2])
local member = ARGV[3]

for i = 1, #KEYS do
	local limit = tonumber(ARGV[2*i+2])
	local window = tonumber(ARGV[2*i+3])
	redis.call('ZREMRANGEBYSCORE', KEYS[i], '0', now - window)
	local count = redis.call('ZCARD', KEYS[i])
	if count + n > limit then
		local left = limit - count
		if left < 0 then
			left = 0
		end
		return {0, left, i}
	end
end

local remaining = -1
for i = 1, #KEYS do
	local limit = tonumber(ARGV[2*i+2])
	local window = tonumber(ARGV[2*i+3])
	for j = 0, n - 1 do
		redis.call('ZADD', KEYS[i], now, member .. '-' .. j)
	end
	redis.call('PEXPIRE', KEYS[i], window + 1000)
	local left = limit - redis.call('ZCARD', KEYS[i])
	if remaining < 0 or left < remaining then
		remaining = left
	end
end
return {1, remaining, 0}
`)

// memberSeq disambiguates entries added in the same millisecond.
var memberSeq atomic.Int64

// AllowWindows atomically consumes n slots from every window, or none at
// all when any window lacks capacity. On denial, Remaining and ResetAt
// describe the denying window.
func AllowWindows(ctx context.Context, client *Client, n int, specs ...WindowSpec) (*RateLimitResult, error) {
	now := time.Now()
	member := fmt.Sprintf("%d-%d", now.UnixMilli(), memberSeq.Add(1))

	keys := make([]string, 0, len(specs))
	argv := make([]interface{}, 0, 3+2*len(specs))
	argv = append(argv, now.UnixMilli(), n, member)
	for _, spec := range specs {
		keys = append(keys, "ratelimit:"+spec.Key)
		argv = append(argv, spec.Limit, spec.Window.Milliseconds())
	}

	raw, err := allowScript.Run(ctx, client.rdb, keys, argv...).Result()
	if err != nil {
		return nil, fmt.Errorf("rate limit script: %w", err)
	}

	reply, ok := raw.([]interface{})
	if !ok || len(reply) != 3 {
		return nil, fmt.Errorf("rate limit script: unexpected reply %v", raw)
	}

	allowed, _ := reply[0].(int64)
	remaining, _ := reply[1].(int64)
	denied, _ := reply[2].(int64)

	resetAt := now.Add(specs[0].Window)
	if denied > 0 {
		resetAt = now.Add(specs[denied-1].Window)
	}

	return &RateLimitResult{
		Allowed:   allowed == 1,
		Remaining: int(remaining),
		ResetAt:   resetAt,
	}, nil
}

// RateLimiter implements sliding window rate limiting using Redis.
// It backs the back-office API middleware; the outbound send budget uses
// AllowWindows directly to hold both of its windows in one check.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
}

// NewRateLimiter creates a new rate limiter with the given configuration.
func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		client: client,
		logger: logger,
		config: config,
	}
}

// Allow checks if a request is allowed under the rate limit.
// Uses sliding window algorithm with Redis sorted sets for accuracy.
func (r *RateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	return r.AllowN(ctx, key, 1)
}

// AllowN checks if n requests are allowed under the rate limit.
func (r *RateLimiter) AllowN(ctx context.Context, key string, n int) (*RateLimitResult, error) {
	result, err := AllowWindows(ctx, r.client, n, WindowSpec{
		Key:    key,
		Limit:  r.config.Limit,
		Window: r.config.Window,
	})
	if err != nil {
		return nil, err
	}

	if !result.Allowed {
		r.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int("limit", r.config.Limit),
		)
	}

	return result, nil
}
