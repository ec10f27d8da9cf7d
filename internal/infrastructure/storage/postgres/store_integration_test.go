//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"docnum/internal/core/apperror"
	"docnum/internal/core/idempotency"
	"docnum/internal/core/numerator"
	"docnum/internal/core/numerator/storetest"
)

// Run with: go test -tags integration ./internal/infrastructure/storage/postgres/...
func startPostgres(t *testing.T) *Pool {
	t.Helper()
	ctx := context.Background()

	ctr, err := tcPostgres.Run(ctx, "postgres:16-alpine",
		tcPostgres.WithDatabase("docnum_test"),
		tcPostgres.WithUsername("docnum"),
		tcPostgres.WithPassword("docnum"),
		tcPostgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := NewPool(ctx, DefaultPoolConfig(dsn))
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, Migrate(ctx, pool))
	return pool
}

func TestStore_Conformance(t *testing.T) {
	pool := startPostgres(t)

	storetest.Run(t, func(t *testing.T) numerator.Store {
		// Each subtest starts from version 0, so versions are dropped too.
		_, err := pool.Exec(context.Background(), "TRUNCATE number_ranges, number_cursors, number_range_sets")
		require.NoError(t, err)
		return NewStore(pool)
	})
}

func TestAuditLog_History(t *testing.T) {
	ctx := context.Background()
	pool := startPostgres(t)

	a, err := NewAuditLog(pool)
	require.NoError(t, err)

	require.NoError(t, a.LogRangeChange(ctx, numerator.AuditActionCreate, numerator.OperationSale, map[string]any{"count": 3}))
	require.NoError(t, a.LogRangeChange(ctx, numerator.AuditActionRenumber, numerator.OperationSale, map[string]any{"range": "sale/1[30,40)"}))

	entries, err := a.History(ctx, numerator.OperationSale, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, numerator.AuditActionRenumber, entries[0].Action)
	assert.JSONEq(t, `{"range":"sale/1[30,40)"}`, string(entries[0].Changes))
}

func TestIdempotencyStore(t *testing.T) {
	ctx := context.Background()
	pool := startPostgres(t)
	s := NewIdempotencyStore(pool, time.Hour)
	const op = "POST /api/v1/numbers"

	replay, err := s.Acquire(ctx, "k1", "till-1", op, "h")
	require.NoError(t, err)
	assert.Nil(t, replay)

	_, err = s.Acquire(ctx, "k1", "till-1", op, "h")
	assert.True(t, apperror.HasCode(err, apperror.CodeIdempotencyConflict))

	_, err = s.Acquire(ctx, "k1", "till-2", op, "h")
	assert.True(t, apperror.HasCode(err, apperror.CodeIdempotencyMismatch))

	require.NoError(t, s.Complete(ctx, "k1", idempotency.Replay{StatusCode: 200, ContentType: "application/json", Body: []byte(`{"number":5}`)}))

	replay, err = s.Acquire(ctx, "k1", "till-1", op, "h")
	require.NoError(t, err)
	require.NotNil(t, replay)
	assert.JSONEq(t, `{"number":5}`, string(replay.Body))

	// Completed keys survive Release.
	require.NoError(t, s.Release(ctx, "k1"))
	replay, err = s.Acquire(ctx, "k1", "till-1", op, "h")
	require.NoError(t, err)
	assert.NotNil(t, replay)

	_, err = s.Acquire(ctx, "k2", "till-1", op, "h")
	require.NoError(t, err)
	require.NoError(t, s.Release(ctx, "k2"))
	replay, err = s.Acquire(ctx, "k2", "till-1", op, "h")
	require.NoError(t, err)
	assert.Nil(t, replay)
}
