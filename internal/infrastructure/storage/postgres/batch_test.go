package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docnum/internal/core/numerator"
)

// batchQuerier records sent batches and fails the statement at failAt (1-based).
type batchQuerier struct {
	Querier
	sent   *pgx.Batch
	failAt int
}

func (q *batchQuerier) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	q.sent = b
	return &batchResults{failAt: q.failAt}
}

type batchResults struct {
	pgx.BatchResults
	n      int
	failAt int
	closed bool
}

func (r *batchResults) Exec() (pgconn.CommandTag, error) {
	r.n++
	if r.n == r.failAt {
		return pgconn.CommandTag{}, errors.New("unique violation")
	}
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (r *batchResults) Close() error {
	r.closed = true
	return nil
}

func TestBatch_QueuesInOrder(t *testing.T) {
	r := numerator.NumberRange{OperationType: numerator.OperationSale, Location: 1, StartNumber: 100, Size: 10}

	var b Batch
	b.Add(retireRangeQuery(r), upsertRangeQuery(r), bumpVersionQuery(numerator.OperationSale))
	require.Equal(t, 3, b.Len())

	q := &batchQuerier{}
	require.NoError(t, b.Exec(context.Background(), q))
	require.Len(t, q.sent.QueuedQueries, 3)
	assert.Contains(t, q.sent.QueuedQueries[0].SQL, "WITH moved AS")
	assert.Contains(t, q.sent.QueuedQueries[1].SQL, "INSERT INTO number_ranges")
	assert.Contains(t, q.sent.QueuedQueries[2].SQL, "UPDATE number_range_sets")
	for _, qq := range q.sent.QueuedQueries {
		assert.NotContains(t, qq.SQL, "?")
	}
}

func TestBatch_ReportsFailingStatement(t *testing.T) {
	var b Batch
	b.Add(bumpVersionQuery(numerator.OperationSale), bumpVersionQuery(numerator.OperationWaste))

	q := &batchQuerier{failAt: 2}
	err := b.Exec(context.Background(), q)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch statement 2")
}

func TestBatch_EmptyIsNoop(t *testing.T) {
	var b Batch
	q := &batchQuerier{}
	require.NoError(t, b.Exec(context.Background(), q))
	assert.Nil(t, q.sent)
}
