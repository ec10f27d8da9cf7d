package postgres

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
)

// Batch collects statements that are sent to the server in one round trip.
// A range set write retires, upserts and bumps the version in a single batch.
type Batch struct {
	stmts []squirrel.Sqlizer
}

// Add queues statements.
func (b *Batch) Add(stmts ...squirrel.Sqlizer) {
	b.stmts = append(b.stmts, stmts...)
}

// Len returns the number of queued statements.
func (b *Batch) Len() int {
	return len(b.stmts)
}

// Exec sends the batch on q and checks every result in queue order.
// Inside a transaction the first failing statement aborts the rest.
func (b *Batch) Exec(ctx context.Context, q Querier) error {
	if len(b.stmts) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for i, stmt := range b.stmts {
		sql, args, err := toSQL(stmt)
		if err != nil {
			return fmt.Errorf("build batch statement %d: %w", i+1, err)
		}
		batch.Queue(sql, args...)
	}

	results := q.SendBatch(ctx, batch)
	for i := range b.stmts {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("batch statement %d: %w", i+1, err)
		}
	}
	return results.Close()
}
