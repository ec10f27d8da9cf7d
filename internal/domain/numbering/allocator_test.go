package numbering

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docnum/internal/core/apperror"
	"docnum/internal/core/numerator"
	"docnum/internal/infrastructure/storage/memory"
)

func requireDisjoint(t *testing.T, ranges []numerator.NumberRange) {
	t.Helper()

	sorted := append([]numerator.NumberRange(nil), ranges...)
	numerator.SortRanges(sorted)
	for i := 1; i < len(sorted); i++ {
		require.LessOrEqual(t, sorted[i-1].End(), sorted[i].StartNumber,
			"%s overlaps %s", sorted[i-1], sorted[i])
	}
}

func TestCreateInitialRanges_ThreeLocations(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := newTestService(t, store, func(c *numerator.Config) {
		c.MinimalSize = 10_000
		c.RecommendedSize = 1_000_000
	})

	got, err := svc.CreateInitialRanges(ctx,
		[]numerator.LocationID{3, 1, 2},
		[]numerator.OperationType{numerator.OperationSale},
		10_000, 1_000_000,
	)
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, int64(0), got[numerator.NewKey(1, numerator.OperationSale)].StartNumber)
	assert.Equal(t, int64(1_000_000), got[numerator.NewKey(2, numerator.OperationSale)].StartNumber)
	assert.Equal(t, int64(2_000_000), got[numerator.NewKey(3, numerator.OperationSale)].StartNumber)

	set, err := store.ReadRanges(ctx, numerator.OperationSale)
	require.NoError(t, err)
	require.Len(t, set.Ranges, 3)
	requireDisjoint(t, set.Ranges)
}

func TestCreateInitialRanges_UnboundedNumberWidth(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, memory.New(), func(c *numerator.Config) { c.NumberWidth = 0 })

	got, err := svc.CreateInitialRanges(ctx,
		[]numerator.LocationID{1, 2, 3},
		[]numerator.OperationType{numerator.OperationSale},
		10, 100,
	)
	require.NoError(t, err)
	require.Len(t, got, 3)

	for i, loc := range []numerator.LocationID{1, 2, 3} {
		r := got[numerator.NewKey(loc, numerator.OperationSale)]
		assert.Equal(t, int64(i)*100, r.StartNumber)
		assert.Equal(t, int64(100), r.Size)
	}
}

func TestCreateInitialRanges_DisjointForRandomLocations(t *testing.T) {
	ctx := context.Background()
	r := rand.New(rand.NewPCG(42, 7))
	allOps := numerator.AllOperationTypes()

	for iter := 0; iter < 100; iter++ {
		store := memory.New()
		svc := newTestService(t, store, func(c *numerator.Config) {
			c.NumberWidth = 6
			c.BaseOffset = r.Int64N(100)
		})

		n := 1 + r.IntN(60)
		locs := make([]numerator.LocationID, n)
		for i := range locs {
			locs[i] = numerator.LocationID(r.IntN(1000))
		}
		ops := allOps[:1+r.IntN(len(allOps))]
		minimal := int64(1 + r.IntN(100))
		recommended := minimal * int64(1+r.IntN(1000))

		got, err := svc.CreateInitialRanges(ctx, locs, ops, minimal, recommended)
		if apperror.HasCode(err, apperror.CodeValidation) {
			continue
		}
		require.NoError(t, err, "iteration %d", iter)

		for _, op := range ops {
			set, err := store.ReadRanges(ctx, op)
			require.NoError(t, err)
			requireDisjoint(t, set.Ranges)

			for _, rr := range set.Ranges {
				assert.Equal(t, rr, got[rr.Key()])
				assert.GreaterOrEqual(t, rr.StartNumber, svc.Config().BaseOffset)
				assert.LessOrEqual(t, rr.Last(), svc.Config().MaxNumber())
			}
		}
	}
}

func TestCreateInitialRanges_MinimalSizeFallback(t *testing.T) {
	ctx := context.Background()
	audit := memory.NewAuditLog()
	svc, err := NewService(ServiceConfig{
		Store: memory.New(),
		Numbering: func() numerator.Config {
			c := testConfig()
			c.NumberWidth = 4
			return c
		}(),
		Audit: audit,
	})
	require.NoError(t, err)

	locs := make([]numerator.LocationID, 11)
	for i := range locs {
		locs[i] = numerator.LocationID(i + 1)
	}

	got, err := svc.CreateInitialRanges(ctx, locs, []numerator.OperationType{numerator.OperationWaste}, 100, 1000)
	require.NoError(t, err)
	for _, r := range got {
		assert.Equal(t, int64(100), r.Size)
	}

	entries := audit.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, numerator.AuditActionCreate, entries[0].Action)
	assert.Equal(t, numerator.BlockSizeMinimal, entries[0].Changes["block_size_reason"])
}

func TestCreateInitialRanges_BudgetTooSmall(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := newTestService(t, store, func(c *numerator.Config) { c.NumberWidth = 4 })

	locs := make([]numerator.LocationID, 101)
	for i := range locs {
		locs[i] = numerator.LocationID(i)
	}

	_, err := svc.CreateInitialRanges(ctx, locs, []numerator.OperationType{numerator.OperationSale}, 100, 1000)
	require.Error(t, err)
	appErr, ok := apperror.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperror.CodeValidation, appErr.Code)
	assert.Equal(t, "number_budget", appErr.Details["reason"])

	set, err := store.ReadRanges(ctx, numerator.OperationSale)
	require.NoError(t, err)
	assert.Empty(t, set.Ranges)
}

func TestCreateInitialRanges_KeepsExistingAndAppendsNew(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := newTestService(t, store)
	sale := []numerator.OperationType{numerator.OperationSale}

	first, err := svc.CreateInitialRanges(ctx, []numerator.LocationID{1, 3}, sale, 10, 100)
	require.NoError(t, err)

	second, err := svc.CreateInitialRanges(ctx, []numerator.LocationID{1, 2, 3}, sale, 10, 100)
	require.NoError(t, err)

	k1 := numerator.NewKey(1, numerator.OperationSale)
	k2 := numerator.NewKey(2, numerator.OperationSale)
	k3 := numerator.NewKey(3, numerator.OperationSale)
	assert.Equal(t, first[k1], second[k1])
	assert.Equal(t, first[k3], second[k3])
	assert.Equal(t, int64(200), second[k2].StartNumber)

	set, err := store.ReadRanges(ctx, numerator.OperationSale)
	require.NoError(t, err)
	require.Len(t, set.Ranges, 3)
	requireDisjoint(t, set.Ranges)
}

func TestCreateInitialRanges_RejectsUnknownOperationType(t *testing.T) {
	svc := newTestService(t, memory.New())

	_, err := svc.CreateInitialRanges(context.Background(),
		[]numerator.LocationID{1},
		[]numerator.OperationType{"payroll"},
		10, 100,
	)
	require.Error(t, err)
	assert.True(t, apperror.HasCode(err, apperror.CodeValidation))
}

func TestCreateInitialRanges_ConflictIsRetried(t *testing.T) {
	ctx := context.Background()
	inner := memory.New()
	other := newTestService(t, inner)

	var writes int
	mock := &numerator.MockStore{Inner: inner}
	mock.WriteRangesFunc = func(ctx context.Context, sets ...numerator.RangeSet) error {
		writes++
		if writes == 1 {
			// Another process allocates location 9 between our read and write.
			_, err := other.CreateInitialRanges(ctx, []numerator.LocationID{9},
				[]numerator.OperationType{numerator.OperationSale}, 10, 100)
			require.NoError(t, err)
		}
		return inner.WriteRanges(ctx, sets...)
	}
	svc := newTestService(t, mock)

	_, err := svc.CreateInitialRanges(ctx, []numerator.LocationID{1, 2},
		[]numerator.OperationType{numerator.OperationSale}, 10, 100)
	require.NoError(t, err)
	assert.Equal(t, 2, writes)

	set, err := inner.ReadRanges(ctx, numerator.OperationSale)
	require.NoError(t, err)
	require.Len(t, set.Ranges, 3)
	requireDisjoint(t, set.Ranges)
}

func TestUpdateRanges_OverlapWritesNothing(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := newTestService(t, store)
	seed(t, store,
		rng(numerator.OperationSale, 1, 0, 100),
		rng(numerator.OperationSale, 2, 100, 100),
		rng(numerator.OperationWaste, 1, 0, 100),
	)
	saleBefore, err := store.ReadRanges(ctx, numerator.OperationSale)
	require.NoError(t, err)
	wasteBefore, err := store.ReadRanges(ctx, numerator.OperationWaste)
	require.NoError(t, err)

	err = svc.UpdateRanges(ctx, []numerator.NumberRange{
		rng(numerator.OperationWaste, 2, 100, 100),
		rng(numerator.OperationSale, 3, 150, 100),
	})
	require.Error(t, err)
	assert.True(t, apperror.IsAllocationInvariantViolation(err))

	saleAfter, err := store.ReadRanges(ctx, numerator.OperationSale)
	require.NoError(t, err)
	wasteAfter, err := store.ReadRanges(ctx, numerator.OperationWaste)
	require.NoError(t, err)
	assert.Equal(t, saleBefore, saleAfter)
	assert.Equal(t, wasteBefore, wasteAfter)
}

func TestUpdateRanges_NestedBlockDetected(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := newTestService(t, store)
	seed(t, store, rng(numerator.OperationSale, 1, 0, 1000))

	err := svc.UpdateRanges(ctx, []numerator.NumberRange{
		rng(numerator.OperationSale, 2, 1000, 10),
		rng(numerator.OperationSale, 3, 500, 10),
	})
	require.Error(t, err)
	assert.True(t, apperror.IsAllocationInvariantViolation(err))
}

func TestUpdateRanges_RetiresReplacedBlock(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	audit := memory.NewAuditLog()
	svc, err := NewService(ServiceConfig{Store: store, Numbering: testConfig(), Audit: audit})
	require.NoError(t, err)
	seed(t, store, rng(numerator.OperationSale, 1, 0, 100))

	n, err := svc.IssueNext(ctx, 1, numerator.OperationSale)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	require.NoError(t, svc.UpdateRanges(ctx, []numerator.NumberRange{rng(numerator.OperationSale, 1, 500, 100)}))

	set, err := svc.Ranges(ctx, numerator.OperationSale)
	require.NoError(t, err)
	assert.Equal(t, []numerator.NumberRange{rng(numerator.OperationSale, 1, 500, 100)}, set.Ranges)
	assert.Equal(t, []numerator.NumberRange{rng(numerator.OperationSale, 1, 0, 100)}, set.Retired)

	n, err = svc.IssueNext(ctx, 1, numerator.OperationSale)
	require.NoError(t, err)
	assert.Equal(t, int64(500), n)

	// The retired block is never handed out again.
	err = svc.UpdateRanges(ctx, []numerator.NumberRange{rng(numerator.OperationSale, 2, 50, 10)})
	require.Error(t, err)
	assert.True(t, apperror.IsAllocationInvariantViolation(err))

	entries := audit.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, numerator.AuditActionUpdate, entries[0].Action)
}

func TestUpdateRanges_UnchangedRangeIsNoop(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := newTestService(t, store)
	seed(t, store, rng(numerator.OperationSale, 1, 0, 100))

	before, err := store.ReadRanges(ctx, numerator.OperationSale)
	require.NoError(t, err)

	require.NoError(t, svc.UpdateRanges(ctx, []numerator.NumberRange{rng(numerator.OperationSale, 1, 0, 100)}))

	after, err := store.ReadRanges(ctx, numerator.OperationSale)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestUpdateRanges_Validation(t *testing.T) {
	svc := newTestService(t, memory.New(), func(c *numerator.Config) { c.NumberWidth = 3 })

	tests := []struct {
		name   string
		ranges []numerator.NumberRange
	}{
		{"unknown type", []numerator.NumberRange{rng("payroll", 1, 0, 10)}},
		{"negative start", []numerator.NumberRange{rng(numerator.OperationSale, 1, -1, 10)}},
		{"zero size", []numerator.NumberRange{rng(numerator.OperationSale, 1, 0, 0)}},
		{"beyond width", []numerator.NumberRange{rng(numerator.OperationSale, 1, 995, 10)}},
		{"duplicate key", []numerator.NumberRange{
			rng(numerator.OperationSale, 1, 0, 10),
			rng(numerator.OperationSale, 1, 10, 10),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := svc.UpdateRanges(context.Background(), tt.ranges)
			require.Error(t, err)
			assert.True(t, apperror.HasCode(err, apperror.CodeValidation))
		})
	}
}

func TestUpdateRanges_TopOfUnboundedNumberSpace(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := newTestService(t, store, func(c *numerator.Config) { c.NumberWidth = 0 })
	top := svc.cfg.MaxNumber()

	err := svc.UpdateRanges(ctx, []numerator.NumberRange{rng(numerator.OperationSale, 1, top-98, 100)})
	require.Error(t, err)
	assert.True(t, apperror.HasCode(err, apperror.CodeValidation))

	last := rng(numerator.OperationSale, 1, top-99, 100)
	require.NoError(t, svc.UpdateRanges(ctx, []numerator.NumberRange{last}))
	assert.Equal(t, int64(math.MaxInt64), last.End())

	n, err := svc.IssueNext(ctx, 1, numerator.OperationSale)
	require.NoError(t, err)
	assert.Equal(t, top-99, n)

	// Nothing is left past the last block.
	_, err = svc.Renumber(ctx, 1, numerator.OperationSale)
	require.Error(t, err)
	assert.True(t, apperror.IsRangeExhausted(err))

	_, err = svc.CreateInitialRanges(ctx,
		[]numerator.LocationID{2},
		[]numerator.OperationType{numerator.OperationSale},
		10, 100,
	)
	require.Error(t, err)
	assert.True(t, apperror.HasCode(err, apperror.CodeValidation))
}

func TestUpdateRanges_PersistenceFailure(t *testing.T) {
	ctx := context.Background()
	dbErr := errors.New("connection reset by peer")
	mock := &numerator.MockStore{
		Inner: memory.New(),
		WriteRangesFunc: func(context.Context, ...numerator.RangeSet) error {
			return dbErr
		},
	}
	svc := newTestService(t, mock)

	err := svc.UpdateRanges(ctx, []numerator.NumberRange{rng(numerator.OperationSale, 1, 0, 10)})
	require.Error(t, err)
	assert.True(t, apperror.IsPersistenceUnavailable(err))
	assert.ErrorIs(t, err, dbErr)
}

func TestDeleteRanges(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := newTestService(t, store)

	_, err := svc.CreateInitialRanges(ctx, []numerator.LocationID{1, 2}, numerator.AllOperationTypes(), 10, 100)
	require.NoError(t, err)
	_, err = svc.IssueNext(ctx, 1, numerator.OperationSale)
	require.NoError(t, err)

	require.NoError(t, svc.DeleteRanges(ctx))

	_, err = svc.IssueNext(ctx, 1, numerator.OperationSale)
	require.Error(t, err)
	assert.True(t, apperror.IsRangeNotAllocated(err))

	// Allocation starts over from the base offset.
	got, err := svc.CreateInitialRanges(ctx, []numerator.LocationID{1}, []numerator.OperationType{numerator.OperationSale}, 10, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got[numerator.NewKey(1, numerator.OperationSale)].StartNumber)
}

func TestDeleteRanges_WaitsForInFlightIssue(t *testing.T) {
	ctx := context.Background()
	inner := memory.New()
	seed(t, inner, rng(numerator.OperationSale, 1, 0, 100))

	readCursor := make(chan struct{})
	release := make(chan struct{})
	mock := &numerator.MockStore{Inner: inner}
	mock.ReadCursorFunc = func(ctx context.Context, key numerator.Key) (numerator.Cursor, bool, error) {
		cur, found, err := inner.ReadCursor(ctx, key)
		close(readCursor)
		<-release
		return cur, found, err
	}
	var deleted atomic.Bool
	mock.DeleteRangesFunc = func(ctx context.Context) error {
		deleted.Store(true)
		return inner.DeleteRanges(ctx)
	}
	svc := newTestService(t, mock)

	issued := make(chan error, 1)
	go func() {
		_, err := svc.IssueNext(ctx, 1, numerator.OperationSale)
		issued <- err
	}()
	<-readCursor

	deleteDone := make(chan error, 1)
	go func() { deleteDone <- svc.DeleteRanges(ctx) }()

	// The issuer has read the range but not yet written its first cursor.
	time.Sleep(50 * time.Millisecond)
	assert.False(t, deleted.Load())

	close(release)
	require.NoError(t, <-issued)
	require.NoError(t, <-deleteDone)
	assert.True(t, deleted.Load())

	_, found, err := inner.ReadCursor(ctx, numerator.NewKey(1, numerator.OperationSale))
	require.NoError(t, err)
	assert.False(t, found, "cursor written after the delete")

	// A fresh block starts from its first number.
	seed(t, inner, rng(numerator.OperationSale, 1, 0, 100))
	mock.ReadCursorFunc = nil
	n, err := svc.IssueNext(ctx, 1, numerator.OperationSale)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	u, err := svc.UsageOf(ctx, 1, numerator.OperationSale)
	require.NoError(t, err)
	assert.Equal(t, int64(1), u.Used)
}

func TestValidateDisjoint(t *testing.T) {
	current := numerator.RangeSet{
		OperationType: numerator.OperationSale,
		Ranges: []numerator.NumberRange{
			rng(numerator.OperationSale, 1, 0, 10),
			rng(numerator.OperationSale, 2, 10, 10),
		},
		Retired: []numerator.NumberRange{rng(numerator.OperationSale, 3, 20, 10)},
	}

	ok := numerator.RangeSet{
		OperationType: numerator.OperationSale,
		Ranges:        []numerator.NumberRange{rng(numerator.OperationSale, 3, 30, 10)},
	}
	require.NoError(t, validateDisjoint(current, ok))

	// A replaced active block only counts when the same write retires it.
	replace := numerator.RangeSet{
		OperationType: numerator.OperationSale,
		Ranges:        []numerator.NumberRange{rng(numerator.OperationSale, 1, 5, 5)},
	}
	require.NoError(t, validateDisjoint(current, replace))

	intoRetired := numerator.RangeSet{
		OperationType: numerator.OperationSale,
		Ranges:        []numerator.NumberRange{rng(numerator.OperationSale, 4, 25, 10)},
	}
	err := validateDisjoint(current, intoRetired)
	require.Error(t, err)
	assert.True(t, apperror.IsAllocationInvariantViolation(err))
}

func TestUniqueLocations(t *testing.T) {
	got := uniqueLocations([]numerator.LocationID{5, 1, 5, 3, 1})
	assert.True(t, sort.SliceIsSorted(got, func(i, j int) bool { return got[i] < got[j] }))
	assert.Equal(t, []numerator.LocationID{1, 3, 5}, got)
}
