package gates

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SubmitWindow is how long a session's submission counter lives.
	SubmitWindow = 120 * time.Second
	// SubmitMaxPerWindow is the number of rate-limited submissions allowed
	// per session inside one window.
	SubmitMaxPerWindow = 5
	// submitKeyPrefix is the redis key prefix for submission counters.
	submitKeyPrefix = "submitlimit:"
)

// RedisRateLimiter counts submissions per session in redis. If redis is
// unreachable the limiter fails open: an offline-first client must not be
// blocked by its own infrastructure.
type RedisRateLimiter struct {
	client *redis.Client
	window time.Duration
	max    int
}

// NewRedisRateLimiter builds a limiter with the default window and ceiling.
func NewRedisRateLimiter(client *redis.Client) *RedisRateLimiter {
	return &RedisRateLimiter{client: client, window: SubmitWindow, max: SubmitMaxPerWindow}
}

// CanSubmit implements RateLimiter.
func (l *RedisRateLimiter) CanSubmit(ctx context.Context, sessionID string) (Decision, error) {
	key := submitKeyPrefix + sessionID

	count, err := l.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return Decision{Allowed: true}, nil
	}
	if err != nil {
		// Fail open.
		return Decision{Allowed: true}, nil
	}

	if count >= l.max {
		ttl, err := l.client.TTL(ctx, key).Result()
		if err != nil || ttl < 0 {
			ttl = l.window
		}
		return Decision{Allowed: false, CooldownRemaining: ttl}, nil
	}
	return Decision{Allowed: true}, nil
}

// RecordSubmission implements RateLimiter.
func (l *RedisRateLimiter) RecordSubmission(ctx context.Context, sessionID string) error {
	key := submitKeyPrefix + sessionID

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		// Fail open: losing one count is better than losing the vent.
		return nil
	}
	if count == 1 {
		if err := l.client.Expire(ctx, key, l.window).Err(); err != nil {
			return fmt.Errorf("failed to set submission window: %w", err)
		}
	}
	return nil
}
