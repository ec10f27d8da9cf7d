//go:build integration

package redis

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"

	"docnum/internal/core/apperror"
	"docnum/internal/core/idempotency"
	"docnum/internal/core/numerator"
	"docnum/internal/core/numerator/storetest"
)

// Run with: go test -tags integration ./internal/infrastructure/storage/redis/...
func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	ctr, err := tcRedis.Run(ctx, "redis:7-alpine")
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	url, err := ctr.ConnectionString(ctx)
	require.NoError(t, err)

	rdb, err := Connect(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestStore_Conformance(t *testing.T) {
	ctx := context.Background()
	rdb := startRedis(t)

	storetest.Run(t, func(t *testing.T) numerator.Store {
		require.NoError(t, rdb.FlushDB(ctx).Err())
		return NewStore(rdb, "")
	})
}

func TestIdempotencyStore(t *testing.T) {
	ctx := context.Background()
	rdb := startRedis(t)
	s := NewIdempotencyStore(rdb, "", time.Hour)
	const op = "POST /api/v1/numbers"

	replay, err := s.Acquire(ctx, "k1", "till-1", op, "h")
	require.NoError(t, err)
	assert.Nil(t, replay)

	_, err = s.Acquire(ctx, "k1", "till-1", op, "h")
	assert.True(t, apperror.HasCode(err, apperror.CodeIdempotencyConflict))

	require.NoError(t, s.Complete(ctx, "k1", idempotency.Replay{StatusCode: 200, ContentType: "application/json", Body: []byte(`{"number":5}`)}))
	require.NoError(t, s.Release(ctx, "k1"))

	replay, err = s.Acquire(ctx, "k1", "till-1", op, "h")
	require.NoError(t, err)
	require.NotNil(t, replay)
	assert.JSONEq(t, `{"number":5}`, string(replay.Body))

	ttl, err := rdb.TTL(ctx, DefaultPrefix+"idem:k1").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}
