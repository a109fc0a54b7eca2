package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/dnc-propagation/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultLimitPerSec int64 = 10
	backoffStep              = 25 * time.Millisecond
	backoffMax               = 200 * time.Millisecond
	windowSeconds            = 1
)

var allowScript = goredis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[2])
end
if current > tonumber(ARGV[1]) then
  return 0
end
return 1
`)

var _ ratelimit.RateLimiter = (*RedisRateLimiter)(nil)

// RedisRateLimiter is a fixed one-second window shared by every API and worker
// process, with one window per provider.
type RedisRateLimiter struct {
	client    *goredis.Client
	limit     int64
	overrides map[string]int64
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
	script    *goredis.Script
}

// NewRedisRateLimiter allows limitPerSec calls per provider per second.
// overrides replaces the limit for individual providers.
func NewRedisRateLimiter(client *goredis.Client, limitPerSec int, overrides map[string]int) (*RedisRateLimiter, error) {
	limiter, err := newRedisRateLimiter(client, int64(limitPerSec), time.Now, sleepWithContext)
	if err != nil {
		return nil, err
	}
	for provider, n := range overrides {
		if n > 0 {
			limiter.overrides[normalizeScope(provider)] = int64(n)
		}
	}
	return limiter, nil
}

func newRedisRateLimiter(
	client *goredis.Client,
	limitPerSec int64,
	nowFn func() time.Time,
	sleepFn func(ctx context.Context, d time.Duration) error,
) (*RedisRateLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if limitPerSec <= 0 {
		limitPerSec = defaultLimitPerSec
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if sleepFn == nil {
		sleepFn = sleepWithContext
	}

	return &RedisRateLimiter{
		client:    client,
		limit:     limitPerSec,
		overrides: make(map[string]int64),
		now:       nowFn,
		sleep:     sleepFn,
		script:    allowScript,
	}, nil
}

func (r *RedisRateLimiter) Allow(ctx context.Context, provider string) (bool, error) {
	if r == nil || r.client == nil || r.script == nil {
		return false, fmt.Errorf("rate limiter is not initialized")
	}

	scope := normalizeScope(provider)
	if scope == "" {
		return false, fmt.Errorf("provider is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	limit := r.limit
	if n, ok := r.overrides[scope]; ok {
		limit = n
	}

	key := fmt.Sprintf("dnc:ratelimit:%s:%d", scope, r.now().UTC().Unix())
	result, err := r.script.Run(ctx, r.client, []string{key}, limit, windowSeconds).Int()
	if err != nil {
		return false, fmt.Errorf("failed to evaluate rate limit: %w", err)
	}

	return result == 1, nil
}

// Wait blocks until the provider window has room or ctx ends.
func (r *RedisRateLimiter) Wait(ctx context.Context, provider string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	backoff := backoffStep
	for {
		allowed, err := r.Allow(ctx, provider)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}

		if err := r.sleep(ctx, backoff); err != nil {
			return err
		}

		backoff = min(backoff+backoffStep, backoffMax)
	}
}

func normalizeScope(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
