package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// redeliveryTTL bounds how long a redelivery counter survives. A day is
// far longer than any queue visibility cycle, so a message never sees a
// reset counter mid-flight, while abandoned keys still get evicted.
const redeliveryTTL = 24 * time.Hour

// RedeliveryTracker counts failed delivery attempts per request id in
// the shared store. Keying by the message's own request id (not a
// transport delivery handle) keeps the count stable across worker
// restarts and reconnects.
type RedeliveryTracker struct {
	client *Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewRedeliveryTracker creates a tracker with the default TTL.
func NewRedeliveryTracker(client *Client, logger *zap.Logger) *RedeliveryTracker {
	return &RedeliveryTracker{
		client: client,
		logger: logger,
		ttl:    redeliveryTTL,
	}
}

func redeliveryKey(requestID string) string {
	return fmt.Sprintf("redeliveries:%s", requestID)
}

// Bump increments and returns the attempt count for a request id.
func (t *RedeliveryTracker) Bump(ctx context.Context, requestID string) (int, error) {
	key := redeliveryKey(requestID)

	count, err := t.client.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redelivery incr failed: %w", err)
	}
	if count == 1 {
		if err := t.client.rdb.Expire(ctx, key, t.ttl).Err(); err != nil {
			t.logger.Warn("failed to set redelivery ttl",
				zap.String("request_id", requestID),
				zap.Error(err),
			)
		}
	}

	return int(count), nil
}

// Attempts returns the current count without incrementing.
func (t *RedeliveryTracker) Attempts(ctx context.Context, requestID string) (int, error) {
	count, err := t.client.rdb.Get(ctx, redeliveryKey(requestID)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redelivery read failed: %w", err)
	}
	return count, nil
}

// Clear removes the counter once a request reaches a terminal state.
func (t *RedeliveryTracker) Clear(ctx context.Context, requestID string) error {
	if err := t.client.rdb.Del(ctx, redeliveryKey(requestID)).Err(); err != nil {
		return fmt.Errorf("redelivery clear failed: %w", err)
	}
	return nil
}
