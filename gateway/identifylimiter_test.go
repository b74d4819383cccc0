package gateway

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis"
	"github.com/rxdn/gdl/rest/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalIdentifyLimiterSpacesBucket(t *testing.T) {
	limiter := NewLocalIdentifyLimiter(2, 100*time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, limiter.IdentifyWait(ctx, 0))
	require.NoError(t, limiter.IdentifyWait(ctx, 1))
	assert.Less(t, time.Since(start), 50*time.Millisecond, "different buckets should not wait on each other")

	require.NoError(t, limiter.IdentifyWait(ctx, 2))
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestLocalIdentifyLimiterHonoursContext(t *testing.T) {
	limiter := NewLocalIdentifyLimiter(1, time.Minute)
	require.NoError(t, limiter.IdentifyWait(context.Background(), 0))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.Error(t, limiter.IdentifyWait(ctx, 0))
}

func TestSharedIdentifyLimiterSpacesBucket(t *testing.T) {
	limiter := NewSharedIdentifyLimiter(ratelimit.NewMemoryStore(), 2)
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, limiter.IdentifyWait(ctx, 0))
	require.NoError(t, limiter.IdentifyWait(ctx, 1))
	assert.Less(t, time.Since(start), time.Second, "different buckets should not wait on each other")

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()

	// bucket 0 is spent for the identify interval
	assert.ErrorIs(t, limiter.IdentifyWait(waitCtx, 2), context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRedisIdentifyLimiter(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR is not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	prefix := "gatewayclient-test-" + time.Now().Format("150405.000000")
	limiter := NewRedisIdentifyLimiter(client, prefix, 1)
	defer client.Del(prefix + ":identify:0")

	require.NoError(t, limiter.IdentifyWait(context.Background(), 0))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, limiter.IdentifyWait(ctx, 1), context.DeadlineExceeded)
}
