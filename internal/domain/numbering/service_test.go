package numbering

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docnum/internal/core/apperror"
	"docnum/internal/core/numerator"
	"docnum/internal/infrastructure/storage/memory"
)

func testConfig() numerator.Config {
	cfg := numerator.DefaultConfig()
	cfg.MinimalSize = 10
	cfg.RecommendedSize = 100
	return cfg
}

func newTestService(t *testing.T, store numerator.Store, mutate ...func(*numerator.Config)) *Service {
	t.Helper()

	cfg := testConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	svc, err := NewService(ServiceConfig{Store: store, Numbering: cfg})
	require.NoError(t, err)
	return svc
}

func rng(op numerator.OperationType, loc numerator.LocationID, start, size int64) numerator.NumberRange {
	return numerator.NumberRange{OperationType: op, Location: loc, StartNumber: start, Size: size}
}

// seed writes ranges straight into the store, bypassing the service.
func seed(t *testing.T, store numerator.Store, ranges ...numerator.NumberRange) {
	t.Helper()

	ctx := context.Background()
	byOp := make(map[numerator.OperationType][]numerator.NumberRange)
	for _, r := range ranges {
		byOp[r.OperationType] = append(byOp[r.OperationType], r)
	}
	for op, rs := range byOp {
		set, err := store.ReadRanges(ctx, op)
		require.NoError(t, err)
		require.NoError(t, store.WriteRanges(ctx, numerator.RangeSet{
			OperationType: op,
			Version:       set.Version,
			Ranges:        rs,
		}))
	}
}

func TestNewService(t *testing.T) {
	t.Run("requires store", func(t *testing.T) {
		_, err := NewService(ServiceConfig{Numbering: testConfig()})
		require.Error(t, err)
	})

	t.Run("rejects invalid config", func(t *testing.T) {
		cfg := testConfig()
		cfg.WarnThreshold = 1.5
		_, err := NewService(ServiceConfig{Store: memory.New(), Numbering: cfg})
		require.Error(t, err)
	})

	t.Run("rejects bad exhaustion rule", func(t *testing.T) {
		cfg := testConfig()
		cfg.ExhaustionRule = "ratio +"
		_, err := NewService(ServiceConfig{Store: memory.New(), Numbering: cfg})
		require.Error(t, err)
	})
}

func TestService_Ping(t *testing.T) {
	ctx := context.Background()

	svc := newTestService(t, memory.New())
	require.NoError(t, svc.Ping(ctx))

	failing := newTestService(t, pingFailStore{Store: memory.New()})
	err := failing.Ping(ctx)
	require.Error(t, err)
	assert.True(t, apperror.IsPersistenceUnavailable(err))
}

type pingFailStore struct {
	numerator.Store
}

func (pingFailStore) Ping(context.Context) error { return errors.New("connection refused") }

func TestWithRetry_StopsAfterMaxRetries(t *testing.T) {
	svc := newTestService(t, memory.New(), func(c *numerator.Config) { c.MaxRetries = 3 })

	calls := 0
	err := svc.withRetry(context.Background(), "test", func() error {
		calls++
		return apperror.NewConcurrentModification("cursor", "sale/1")
	})
	require.Error(t, err)
	assert.True(t, apperror.IsConcurrentModification(err))
	assert.Equal(t, 4, calls)
}

func TestWithRetry_DoesNotRetryOtherErrors(t *testing.T) {
	svc := newTestService(t, memory.New())

	calls := 0
	err := svc.withRetry(context.Background(), "test", func() error {
		calls++
		return apperror.NewRangeExhausted("sale/1", 10, "sale/1[0,10)")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestPosition(t *testing.T) {
	r := rng(numerator.OperationSale, 1, 100, 10)

	last, used := position(r, numerator.Cursor{}, false)
	assert.Equal(t, int64(99), last)
	assert.Equal(t, int64(0), used)

	last, used = position(r, numerator.Cursor{LastUsed: 104, Used: 5}, true)
	assert.Equal(t, int64(104), last)
	assert.Equal(t, int64(5), used)

	// Cursor still in a previous block.
	last, used = position(r, numerator.Cursor{LastUsed: 9, Used: 10}, true)
	assert.Equal(t, int64(99), last)
	assert.Equal(t, int64(0), used)
}

func TestAlignUp(t *testing.T) {
	tests := []struct {
		n, base, size, want int64
	}{
		{0, 0, 10, 0},
		{10, 0, 10, 10},
		{11, 0, 10, 20},
		{5, 100, 10, 100},
		{101, 100, 10, 110},
		{2_000_000, 0, 1_000_000, 2_000_000},
		{math.MaxInt64, 0, 100, math.MaxInt64},
		{math.MaxInt64 - 7, 0, 1, math.MaxInt64 - 7},
		{math.MaxInt64 - 200, 50, 1_000, math.MaxInt64},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, alignUp(tt.n, tt.base, tt.size), "alignUp(%d, %d, %d)", tt.n, tt.base, tt.size)
	}
}

func TestKeyLocks_DifferentKeysDoNotBlock(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := newTestService(t, store)
	seed(t, store,
		rng(numerator.OperationSale, 1, 0, 100),
		rng(numerator.OperationSale, 2, 100, 100),
	)

	unlock := svc.locks.Lock(numerator.NewKey(1, numerator.OperationSale))
	defer unlock()

	n, err := svc.IssueNext(ctx, 2, numerator.OperationSale)
	require.NoError(t, err)
	assert.Equal(t, int64(100), n)
}
