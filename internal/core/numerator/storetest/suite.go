// Package storetest provides a conformance suite for numerator.Store implementations.
package storetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docnum/internal/core/apperror"
	"docnum/internal/core/numerator"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) numerator.Store

// Run executes the conformance suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("EmptyRead", func(t *testing.T) { testEmptyRead(t, newStore(t)) })
	t.Run("WriteAndRead", func(t *testing.T) { testWriteAndRead(t, newStore(t)) })
	t.Run("StaleVersionWritesNothing", func(t *testing.T) { testStaleVersion(t, newStore(t)) })
	t.Run("UpsertAndRetire", func(t *testing.T) { testUpsertAndRetire(t, newStore(t)) })
	t.Run("CursorCompareAndSwap", func(t *testing.T) { testCursorCAS(t, newStore(t)) })
	t.Run("DeleteRanges", func(t *testing.T) { testDeleteRanges(t, newStore(t)) })
}

func rng(op numerator.OperationType, loc numerator.LocationID, start, size int64) numerator.NumberRange {
	return numerator.NumberRange{OperationType: op, Location: loc, StartNumber: start, Size: size}
}

func testEmptyRead(t *testing.T, s numerator.Store) {
	ctx := context.Background()

	set, err := s.ReadRanges(ctx, numerator.OperationSale)
	require.NoError(t, err)
	assert.Equal(t, numerator.OperationSale, set.OperationType)
	assert.Equal(t, int64(0), set.Version)
	assert.Empty(t, set.Ranges)
	assert.Empty(t, set.Retired)

	_, found, err := s.ReadCursor(ctx, numerator.NewKey(1, numerator.OperationSale))
	require.NoError(t, err)
	assert.False(t, found)
}

func testWriteAndRead(t *testing.T, s numerator.Store) {
	ctx := context.Background()

	err := s.WriteRanges(ctx,
		numerator.RangeSet{
			OperationType: numerator.OperationSale,
			Ranges: []numerator.NumberRange{
				rng(numerator.OperationSale, 2, 100, 100),
				rng(numerator.OperationSale, 1, 0, 100),
			},
		},
		numerator.RangeSet{
			OperationType: numerator.OperationWaste,
			Ranges:        []numerator.NumberRange{rng(numerator.OperationWaste, 1, 0, 50)},
		},
	)
	require.NoError(t, err)

	sales, err := s.ReadRanges(ctx, numerator.OperationSale)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sales.Version)
	require.Len(t, sales.Ranges, 2)
	numerator.SortRanges(sales.Ranges)
	assert.Equal(t, rng(numerator.OperationSale, 1, 0, 100), sales.Ranges[0])
	assert.Equal(t, rng(numerator.OperationSale, 2, 100, 100), sales.Ranges[1])

	waste, err := s.ReadRanges(ctx, numerator.OperationWaste)
	require.NoError(t, err)
	assert.Equal(t, int64(1), waste.Version)
	require.Len(t, waste.Ranges, 1)

	purchases, err := s.ReadRanges(ctx, numerator.OperationPurchase)
	require.NoError(t, err)
	assert.Equal(t, int64(0), purchases.Version)
	assert.Empty(t, purchases.Ranges)
}

func testStaleVersion(t *testing.T, s numerator.Store) {
	ctx := context.Background()

	require.NoError(t, s.WriteRanges(ctx, numerator.RangeSet{
		OperationType: numerator.OperationSale,
		Ranges:        []numerator.NumberRange{rng(numerator.OperationSale, 1, 0, 10)},
	}))

	// Purchase is fresh (version 0) but sale is stale: neither set may be written.
	err := s.WriteRanges(ctx,
		numerator.RangeSet{
			OperationType: numerator.OperationPurchase,
			Ranges:        []numerator.NumberRange{rng(numerator.OperationPurchase, 1, 0, 10)},
		},
		numerator.RangeSet{
			OperationType: numerator.OperationSale,
			Version:       0,
			Ranges:        []numerator.NumberRange{rng(numerator.OperationSale, 2, 10, 10)},
		},
	)
	require.Error(t, err)
	assert.True(t, apperror.IsConcurrentModification(err), "got %v", err)

	sales, err := s.ReadRanges(ctx, numerator.OperationSale)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sales.Version)
	assert.Len(t, sales.Ranges, 1)

	purchases, err := s.ReadRanges(ctx, numerator.OperationPurchase)
	require.NoError(t, err)
	assert.Equal(t, int64(0), purchases.Version)
	assert.Empty(t, purchases.Ranges)
}

func testUpsertAndRetire(t *testing.T, s numerator.Store) {
	ctx := context.Background()

	require.NoError(t, s.WriteRanges(ctx, numerator.RangeSet{
		OperationType: numerator.OperationSale,
		Ranges: []numerator.NumberRange{
			rng(numerator.OperationSale, 1, 0, 10),
			rng(numerator.OperationSale, 2, 10, 10),
		},
	}))

	require.NoError(t, s.WriteRanges(ctx, numerator.RangeSet{
		OperationType: numerator.OperationSale,
		Version:       1,
		Ranges:        []numerator.NumberRange{rng(numerator.OperationSale, 1, 20, 10)},
		Retired:       []numerator.NumberRange{rng(numerator.OperationSale, 1, 0, 10)},
	}))

	set, err := s.ReadRanges(ctx, numerator.OperationSale)
	require.NoError(t, err)
	assert.Equal(t, int64(2), set.Version)
	require.Len(t, set.Ranges, 2)

	r1, ok := set.Find(1)
	require.True(t, ok)
	assert.Equal(t, int64(20), r1.StartNumber)
	r2, ok := set.Find(2)
	require.True(t, ok)
	assert.Equal(t, int64(10), r2.StartNumber)

	require.Len(t, set.Retired, 1)
	assert.Equal(t, rng(numerator.OperationSale, 1, 0, 10), set.Retired[0])
	assert.Equal(t, int64(30), set.MaxEnd(0))
}

func testCursorCAS(t *testing.T, s numerator.Store) {
	ctx := context.Background()
	key := numerator.NewKey(3, numerator.OperationTransfer)

	require.NoError(t, s.WriteCursor(ctx, key, numerator.Cursor{LastUsed: 100, Used: 1}, nil))

	err := s.WriteCursor(ctx, key, numerator.Cursor{LastUsed: 100, Used: 1}, nil)
	require.Error(t, err)
	assert.True(t, apperror.IsConcurrentModification(err), "got %v", err)

	wrong := int64(99)
	err = s.WriteCursor(ctx, key, numerator.Cursor{LastUsed: 101, Used: 2}, &wrong)
	require.Error(t, err)
	assert.True(t, apperror.IsConcurrentModification(err), "got %v", err)

	prior := int64(100)
	require.NoError(t, s.WriteCursor(ctx, key, numerator.Cursor{LastUsed: 101, Used: 2}, &prior))

	cur, found, err := s.ReadCursor(ctx, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, numerator.Cursor{LastUsed: 101, Used: 2}, cur)

	missing := numerator.NewKey(4, numerator.OperationTransfer)
	err = s.WriteCursor(ctx, missing, numerator.Cursor{LastUsed: 1, Used: 1}, &prior)
	require.Error(t, err)
	assert.True(t, apperror.IsConcurrentModification(err), "got %v", err)
}

func testDeleteRanges(t *testing.T, s numerator.Store) {
	ctx := context.Background()
	key := numerator.NewKey(1, numerator.OperationSale)

	require.NoError(t, s.WriteRanges(ctx, numerator.RangeSet{
		OperationType: numerator.OperationSale,
		Ranges:        []numerator.NumberRange{rng(numerator.OperationSale, 1, 10, 10)},
		Retired:       []numerator.NumberRange{rng(numerator.OperationSale, 1, 0, 10)},
	}))
	require.NoError(t, s.WriteCursor(ctx, key, numerator.Cursor{LastUsed: 10, Used: 1}, nil))

	require.NoError(t, s.DeleteRanges(ctx))

	set, err := s.ReadRanges(ctx, numerator.OperationSale)
	require.NoError(t, err)
	assert.Empty(t, set.Ranges)
	assert.Empty(t, set.Retired)

	_, found, err := s.ReadCursor(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)

	// The set is writable again with the version observed after the delete.
	require.NoError(t, s.WriteRanges(ctx, numerator.RangeSet{
		OperationType: numerator.OperationSale,
		Version:       set.Version,
		Ranges:        []numerator.NumberRange{rng(numerator.OperationSale, 1, 0, 10)},
	}))
}
