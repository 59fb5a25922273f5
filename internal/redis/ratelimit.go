package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// checkAndConsume rejects without incrementing once the window counter
// has reached the limit; otherwise it increments and sets the bucket TTL
// on first use. Running as a script keeps check-then-increment atomic,
// so concurrent workers cannot admit more than the limit per window.
var checkAndConsume = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current >= tonumber(ARGV[1]) then
    return -1
end
current = redis.call('INCR', KEYS[1])
if current == 1 then
    redis.call('EXPIRE', KEYS[1], ARGV[2])
end
return current
`)

// RateLimitConfig defines the per-user, per-category request budget.
type RateLimitConfig struct {
	Limit  int           // Maximum requests allowed per window
	Window time.Duration // Fixed bucket width (one hour in production)
}

// RateInfo is a non-mutating view of one rate window.
type RateInfo struct {
	Current   int `json:"current_count"`
	Limit     int `json:"limit"`
	Remaining int `json:"remaining"`
}

// RateLimiter enforces a fixed-window budget keyed by
// (user, category, bucket) against the shared counter store, so the
// limit holds across worker instances.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
	now    func() time.Time
}

// NewRateLimiter creates a new rate limiter with the given configuration.
func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	if config.Window <= 0 {
		config.Window = time.Hour
	}
	return &RateLimiter{
		client: client,
		logger: logger,
		config: config,
		now:    time.Now,
	}
}

func (r *RateLimiter) key(userID, category string) string {
	bucket := r.now().Unix() / int64(r.config.Window/time.Second)
	return fmt.Sprintf("rate_limit:%s:%s:%d", userID, category, bucket)
}

// CheckAndConsume consumes one unit of the user's budget for the current
// window. Returns false without incrementing when the budget is spent.
func (r *RateLimiter) CheckAndConsume(ctx context.Context, userID, category string) (bool, error) {
	ttl := int64(r.config.Window / time.Second)

	result, err := checkAndConsume.Run(ctx, r.client.rdb, []string{r.key(userID, category)},
		r.config.Limit, ttl).Int64()
	if err != nil {
		return false, fmt.Errorf("rate limit script failed: %w", err)
	}

	if result < 0 {
		r.logger.Warn("rate limit exceeded",
			zap.String("user_id", userID),
			zap.String("category", category),
			zap.Int("limit", r.config.Limit),
		)
		return false, nil
	}

	return true, nil
}

// Info returns the current window usage without consuming budget.
func (r *RateLimiter) Info(ctx context.Context, userID, category string) (*RateInfo, error) {
	current, err := r.client.rdb.Get(ctx, r.key(userID, category)).Int()
	if err == redis.Nil {
		current = 0
	} else if err != nil {
		return nil, fmt.Errorf("rate limit read failed: %w", err)
	}

	remaining := r.config.Limit - current
	if remaining < 0 {
		remaining = 0
	}

	return &RateInfo{
		Current:   current,
		Limit:     r.config.Limit,
		Remaining: remaining,
	}, nil
}
