// Package ratelimit enforces a per-client request budget in front of the
// routing pipeline. Deployments with a Redis address get a shared windowed
// limiter; otherwise an in-process token bucket per client applies.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
	"golang.org/x/time/rate"
)

type Limiter interface {
	// Allow reports whether the client identified by key may proceed.
	Allow(ctx context.Context, key string) (bool, error)
}

// RedisLimiter is a thin wrapper around github.com/vnmchuo/ratelimiter.
type RedisLimiter struct {
	store extratelimit.Limiter
}

func NewRedisLimiter(rdb *redis.Client, requestsPerMinute int) *RedisLimiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(requestsPerMinute),
		extratelimit.WithWindow(time.Minute),
	)
	return &RedisLimiter{store: store}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	res, err := l.store.AllowN(ctx, fmt.Sprintf("ratelimit:client:%s", key), 1)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

// LocalLimiter keeps a token bucket per client in process memory. Buckets
// idle past the eviction age are dropped to bound memory.
type LocalLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*localBucket
	rpm      int
	lastScan time.Time
}

type localBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const bucketEvictionAge = 10 * time.Minute

func NewLocalLimiter(requestsPerMinute int) *LocalLimiter {
	return &LocalLimiter{
		buckets:  make(map[string]*localBucket),
		rpm:      requestsPerMinute,
		lastScan: time.Now(),
	}
}

func (l *LocalLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.lastScan) > bucketEvictionAge {
		for k, b := range l.buckets {
			if now.Sub(b.lastSeen) > bucketEvictionAge {
				delete(l.buckets, k)
			}
		}
		l.lastScan = now
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &localBucket{
			limiter: rate.NewLimiter(rate.Limit(float64(l.rpm)/60.0), l.rpm),
		}
		l.buckets[key] = b
	}
	b.lastSeen = now

	return b.limiter.Allow(), nil
}
