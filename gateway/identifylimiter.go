package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis"
	"github.com/rxdn/gdl/rest/ratelimit"
	"golang.org/x/time/rate"
)

const defaultIdentifyInterval = 5 * time.Second

// IdentifyLimiter blocks until the shard may send an IDENTIFY. Shards are
// grouped into buckets by shardId % maxConcurrency.
type IdentifyLimiter interface {
	IdentifyWait(ctx context.Context, shardId int) error
}

type LocalIdentifyLimiter struct {
	buckets  int
	interval time.Duration

	mu       sync.Mutex
	limiters map[int]*rate.Limiter
}

func NewLocalIdentifyLimiter(buckets int, interval time.Duration) *LocalIdentifyLimiter {
	if buckets <= 0 {
		buckets = 1
	}

	if interval <= 0 {
		interval = defaultIdentifyInterval
	}

	return &LocalIdentifyLimiter{
		buckets:  buckets,
		interval: interval,
		limiters: make(map[int]*rate.Limiter),
	}
}

func (l *LocalIdentifyLimiter) IdentifyWait(ctx context.Context, shardId int) error {
	return l.limiter(shardId % l.buckets).Wait(ctx)
}

func (l *LocalIdentifyLimiter) limiter(bucket int) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.limiters[bucket]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(l.interval), 1)
		l.limiters[bucket] = limiter
	}

	return limiter
}

// SharedIdentifyLimiter waits on a gdl ratelimit store, so identifies can be
// coordinated between every process connecting with the same token when the
// store is backed by redis.
type SharedIdentifyLimiter struct {
	limiter *ratelimit.Ratelimiter
}

func NewSharedIdentifyLimiter(store ratelimit.RateLimitStore, buckets int) *SharedIdentifyLimiter {
	if buckets <= 0 {
		buckets = 1
	}

	return &SharedIdentifyLimiter{
		limiter: ratelimit.NewRateLimiter(store, buckets),
	}
}

func NewRedisIdentifyLimiter(client *redis.Client, prefix string, buckets int) *SharedIdentifyLimiter {
	return NewSharedIdentifyLimiter(ratelimit.NewRedisStore(client, prefix), buckets)
}

func (l *SharedIdentifyLimiter) IdentifyWait(ctx context.Context, shardId int) error {
	// the store wait cannot be interrupted; a cancelled caller leaves it to
	// finish in the background and claim the slot
	ch := make(chan error, 1)
	go func() {
		ch <- l.limiter.IdentifyWait(shardId)
	}()

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
