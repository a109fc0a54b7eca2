package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/dnc-propagation/internal/lock"
	goredis "github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still holds our token, so an
// expired holder cannot release a lease someone else acquired since.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

var _ lock.Locker = (*PairLocker)(nil)

// PairLocker implements lock.Locker with SET NX PX leases.
type PairLocker struct {
	client *goredis.Client
	prefix string
}

func NewPairLocker(client *goredis.Client) (*PairLocker, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &PairLocker{client: client, prefix: "dnc:lock:"}, nil
}

func (l *PairLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (lock.Release, error) {
	if key == "" {
		return nil, fmt.Errorf("lock key is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("lock ttl must be positive")
	}

	token := uuid.NewString()
	redisKey := l.prefix + key
	ok, err := l.client.SetNX(ctx, redisKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, lock.ErrNotAcquired
	}

	return func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{redisKey}, token).Err(); err != nil {
			return fmt.Errorf("failed to release lock %s: %w", key, err)
		}
		return nil
	}, nil
}
