package services

import (
	"context"
	"fmt"
	"time"

	"github.com/khahhy/AdvWeb-BusTicketBooking-sub001/internal/config"
	"github.com/redis/go-redis/v9"
)

const rateLimitPrefix = "rl:lock:"

var tokenBucketScript = redis.NewScript(`
local now_ms = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local refill_tokens = tonumber(ARGV[3])
local interval_ms = tonumber(ARGV[4])
local ttl_seconds = tonumber(ARGV[5])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'last_refill_ms')
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])
if tokens == nil or last_refill == nil then
	tokens = capacity
	last_refill = now_ms
end

local elapsed = math.max(0, now_ms - last_refill)
local intervals = math.floor(elapsed / interval_ms)
if intervals > 0 then
	tokens = math.min(capacity, tokens + intervals * refill_tokens)
	last_refill = last_refill + intervals * interval_ms
end

local allowed = 0
local retry_ms = 0
if tokens > 0 then
	allowed = 1
	tokens = tokens - 1
else
	retry_ms = math.max(0, interval_ms - (now_ms - last_refill))
end

redis.call('HSET', KEYS[1], 'tokens', tokens, 'last_refill_ms', last_refill)
redis.call('EXPIRE', KEYS[1], ttl_seconds)
return {allowed, tokens, retry_ms}
`)

// RateLimitService throttles seat lock traffic per client with a token
// bucket kept in redis, so every instance shares the same budget
type RateLimitService struct {
	client *redis.Client
	config config.RateLimitConfig
	now    func() time.Time
}

// NewRateLimitService creates a new rate limit service.
// A nil client or a disabled config lets every request through.
func NewRateLimitService(client *redis.Client, cfg config.RateLimitConfig) *RateLimitService {
	if cfg.Capacity < 1 {
		cfg.Capacity = 1
	}
	if cfg.RefillTokens < 1 {
		cfg.RefillTokens = 1
	}
	if cfg.RefillInterval <= 0 {
		cfg.RefillInterval = time.Second
	}
	return &RateLimitService{client: client, config: cfg, now: time.Now}
}

// RateLimitError represents a rate limit exceeded error
type RateLimitError struct {
	Message    string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return e.Message
}

// RateLimitStatus is the bucket state after a request was counted
type RateLimitStatus struct {
	Limit     int
	Remaining int64
}

// Enabled reports whether requests are actually throttled
func (s *RateLimitService) Enabled() bool {
	return s.config.Enabled && s.client != nil
}

// Allow takes one token from the identifier's bucket. An empty bucket
// returns a *RateLimitError carrying the wait until the next refill.
func (s *RateLimitService) Allow(ctx context.Context, identifier string) (*RateLimitStatus, error) {
	status := &RateLimitStatus{Limit: s.config.Capacity, Remaining: int64(s.config.Capacity)}
	if !s.Enabled() {
		return status, nil
	}

	ttl := 5 * s.config.RefillInterval
	if ttl < time.Minute {
		ttl = time.Minute
	}

	res, err := tokenBucketScript.Run(ctx, s.client, []string{rateLimitPrefix + identifier},
		s.now().UnixMilli(),
		s.config.Capacity,
		s.config.RefillTokens,
		s.config.RefillInterval.Milliseconds(),
		int64(ttl/time.Second),
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("rate limit script: unexpected result %v", res)
	}

	status.Remaining = toInt64(res[1])
	if toInt64(res[0]) == 1 {
		return status, nil
	}
	retry := time.Duration(toInt64(res[2])) * time.Millisecond
	return status, &RateLimitError{
		Message:    fmt.Sprintf("Too many seat requests. Please try again in %s", retry.Round(time.Second)),
		RetryAfter: retry,
	}
}
