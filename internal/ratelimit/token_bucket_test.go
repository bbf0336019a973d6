package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBucket(t *testing.T, capacity int, refill float64) *TokenBucket {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewTokenBucket(client, capacity, refill, time.Minute)
}

func TestTokenBucketExhaustion(t *testing.T) {
	ctx := context.Background()
	bucket := newBucket(t, 3, 0) // no refill so the bucket drains

	for i := 0; i < 3; i++ {
		allowed, _, err := bucket.Allow(ctx, "rl:recovery:a1")
		require.NoError(t, err)
		assert.True(t, allowed, "call %d should be allowed", i+1)
	}

	allowed, remaining, err := bucket.Allow(ctx, "rl:recovery:a1")
	require.NoError(t, err)
	assert.False(t, allowed, "bucket is empty")
	assert.Zero(t, remaining)
}

func TestTokenBucketKeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	bucket := newBucket(t, 1, 0)

	allowed, _, err := bucket.Allow(ctx, "rl:recovery:a1")
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, _, err = bucket.Allow(ctx, "rl:recovery:a1")
	require.NoError(t, err)
	assert.False(t, allowed)

	// Draining one audit's bucket must not affect another's.
	allowed, _, err = bucket.Allow(ctx, "rl:recovery:a2")
	require.NoError(t, err)
	assert.True(t, allowed)
}
