package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/netbill/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return srv, client
}

func TestWebhookLockerIgnoresForeignRelease(t *testing.T) {
	srv, client := newRedis(t)
	w := NewWebhookLocker(client, config.Config{Redis: config.RedisConfig{WebhookLockTTL: time.Minute}}, zap.NewNop())
	ctx := context.Background()

	_, acquired := w.Acquire(ctx, "tx-2")
	require.True(t, acquired)

	w.unlock(ctx, webhookLockKey("tx-2"), "someone-else", "tx-2")
	assert.True(t, srv.Exists("netbill:lock:payment:tx-2"), "foreign token must not release the lock")
}

func TestWebhookLockerSerializesDeliveries(t *testing.T) {
	srv, client := newRedis(t)
	w := NewWebhookLocker(client, config.Config{Redis: config.RedisConfig{WebhookLockTTL: time.Minute}}, zap.NewNop())
	w.wait = 100 * time.Millisecond
	w.interval = 10 * time.Millisecond
	ctx := context.Background()

	release, acquired := w.Acquire(ctx, "tx-1")
	require.True(t, acquired)
	assert.True(t, srv.Exists("netbill:lock:payment:tx-1"))

	_, second := w.Acquire(ctx, "tx-1")
	assert.False(t, second)

	release()
	assert.False(t, srv.Exists("netbill:lock:payment:tx-1"))

	releaseAgain, acquired := w.Acquire(ctx, "tx-1")
	assert.True(t, acquired)
	releaseAgain()
}

func TestWebhookLockerNilIsNoop(t *testing.T) {
	var w *WebhookLocker
	release, acquired := w.Acquire(context.Background(), "tx-1")
	assert.False(t, acquired)
	release()
	assert.Nil(t, NewWebhookLocker(nil, config.Config{}, zap.NewNop()))
}

func TestWebhookLockerRedisDownContinues(t *testing.T) {
	srv, client := newRedis(t)
	w := NewWebhookLocker(client, config.Config{}, zap.NewNop())
	srv.Close()

	release, acquired := w.Acquire(context.Background(), "tx-1")
	assert.False(t, acquired)
	release()
}

func TestTokenBucketDeniesAfterBurst(t *testing.T) {
	_, client := newRedis(t)
	bucket := NewTokenBucket(client)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := bucket.Take(ctx, "bucket", 0.5, 2)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d", i)
	}
	d, err := bucket.Take(ctx, "bucket", 0.5, 2)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, d.RetryAfter, 2*time.Second)
}

func TestTokenBucketValidatesArguments(t *testing.T) {
	_, client := newRedis(t)
	bucket := NewTokenBucket(client)
	ctx := context.Background()

	_, err := bucket.Take(ctx, "", 1, 1)
	assert.ErrorIs(t, err, errBucketArgs)
	_, err = bucket.Take(ctx, "k", 0, 1)
	assert.ErrorIs(t, err, errBucketArgs)
	_, err = bucket.Take(ctx, "k", 1, 0)
	assert.ErrorIs(t, err, errBucketArgs)
}

func TestPublicStatusLimiter(t *testing.T) {
	srv, client := newRedis(t)
	cfg := config.Config{RateLimit: config.RateLimitConfig{Enabled: true, PublicStatusRate: 0.01, PublicStatusBurst: 1}}
	limiter := NewPublicStatusLimiter(client, cfg)
	ctx := context.Background()

	res, err := limiter.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = limiter.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	res, err = limiter.Allow(ctx, "10.0.0.2")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.True(t, srv.Exists("netbill:ratelimit:public_status:10.0.0.2"))
}

func TestPublicStatusLimiterDisabled(t *testing.T) {
	_, client := newRedis(t)
	limiter := NewPublicStatusLimiter(client, config.Config{})
	assert.False(t, limiter.Enabled())

	res, err := limiter.Allow(context.Background(), "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}
