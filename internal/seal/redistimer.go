package seal

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisIdleTimer implements IdleTimer on top of a Redis key TTL, the same
// mechanism internal/auth/ratelimit.go used for login-attempt windows
// (INCR/EXPIRE on a namespaced key) — here repurposed as a single boolean
// flag whose expiry is polled rather than counted.
type redisIdleTimer struct {
	rdb    *redis.Client
	key    string
	ttl    time.Duration
	poll   time.Duration
	fired  chan struct{}
	cancel context.CancelFunc
}

// NewRedisIdleTimer creates an IdleTimer backed by rdb. ttl is the
// abandonment window (spec default 300s); poll controls how often presence
// of the key is checked.
func NewRedisIdleTimer(ctx context.Context, rdb *redis.Client, key string, ttl time.Duration) *redisIdleTimer {
	timerCtx, cancel := context.WithCancel(ctx)
	t := &redisIdleTimer{
		rdb:    rdb,
		key:    key,
		ttl:    ttl,
		poll:   5 * time.Second,
		fired:  make(chan struct{}, 1),
		cancel: cancel,
	}
	go t.loop(timerCtx)
	return t
}

func (t *redisIdleTimer) loop(ctx context.Context) {
	ticker := time.NewTicker(t.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			exists, err := t.rdb.Exists(ctx, t.key).Result()
			if err != nil {
				continue
			}
			if exists == 0 {
				continue
			}
			ttl, err := t.rdb.TTL(ctx, t.key).Result()
			if err != nil || ttl > 0 {
				continue
			}
			// TTL <= 0 means the key has (or is about to have) expired.
			_ = t.rdb.Del(ctx, t.key).Err()
			select {
			case t.fired <- struct{}{}:
			default:
			}
		}
	}
}

// Reset (re)starts the idle window.
func (t *redisIdleTimer) Reset(ctx context.Context) error {
	return t.rdb.Set(ctx, t.key, "1", t.ttl).Err()
}

// Clear cancels any pending expiry.
func (t *redisIdleTimer) Clear(ctx context.Context) error {
	return t.rdb.Del(ctx, t.key).Err()
}

// Expired returns a channel that receives once per expiry.
func (t *redisIdleTimer) Expired() <-chan struct{} { return t.fired }

// Stop tears down the polling goroutine.
func (t *redisIdleTimer) Stop() { t.cancel() }
