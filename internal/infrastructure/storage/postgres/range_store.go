package postgres

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"docnum/internal/core/apperror"
	"docnum/internal/core/numerator"
)

const (
	tableRangeSets = "number_range_sets"
	tableRanges    = "number_ranges"
	tableCursors   = "number_cursors"
)

// rangeRow is one row of number_ranges.
type rangeRow struct {
	numerator.NumberRange
	Retired bool `db:"retired"`
}

var (
	rangeColumns  = ExtractDBColumns[rangeRow]()
	cursorColumns = ExtractDBColumns[numerator.Cursor]()
)

// Store implements numerator.Store on PostgreSQL.
//
// Range sets are versioned by a row in number_range_sets that writers lock with
// SELECT ... FOR UPDATE; cursors are swapped with conditional UPDATEs.
type Store struct {
	pool *Pool
	txm  *TxManager
}

var (
	_ numerator.Store  = (*Store)(nil)
	_ numerator.Pinger = (*Store)(nil)
)

// NewStore creates a store on pool. Run Migrate first.
func NewStore(pool *Pool) *Store {
	return &Store{pool: pool, txm: NewTxManager(pool)}
}

func builder() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
}

// Ping implements numerator.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// ReadRanges implements numerator.Store. Version and rows come from one snapshot.
func (s *Store) ReadRanges(ctx context.Context, op numerator.OperationType) (numerator.RangeSet, error) {
	set := numerator.RangeSet{OperationType: op}

	err := s.txm.ReadOnly(ctx, func(ctx context.Context) error {
		q := s.txm.GetQuerier(ctx)

		sql, args, err := selectVersionQuery(op, false).ToSql()
		if err != nil {
			return fmt.Errorf("build select version: %w", err)
		}
		var versions []int64
		if err := pgxscan.Select(ctx, q, &versions, sql, args...); err != nil {
			return fmt.Errorf("select version: %w", err)
		}
		if len(versions) > 0 {
			set.Version = versions[0]
		}

		sql, args, err = selectRangesQuery(op).ToSql()
		if err != nil {
			return fmt.Errorf("build select ranges: %w", err)
		}
		var rows []rangeRow
		if err := pgxscan.Select(ctx, q, &rows, sql, args...); err != nil {
			return fmt.Errorf("select ranges: %w", err)
		}
		for _, row := range rows {
			if row.Retired {
				set.Retired = append(set.Retired, row.NumberRange)
			} else {
				set.Ranges = append(set.Ranges, row.NumberRange)
			}
		}
		return nil
	})
	if err != nil {
		return numerator.RangeSet{}, err
	}
	return set, nil
}

// WriteRanges implements numerator.Store.
func (s *Store) WriteRanges(ctx context.Context, sets ...numerator.RangeSet) error {
	if len(sets) == 0 {
		return nil
	}
	return s.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		q := s.txm.GetQuerier(ctx)

		// Lock every set row before writing anything.
		for _, set := range sets {
			current, err := s.lockVersion(ctx, q, set.OperationType)
			if err != nil {
				return err
			}
			if current != set.Version {
				return apperror.NewConcurrentModification("range_set", string(set.OperationType)).
					WithDetail("expected_version", set.Version).
					WithDetail("actual_version", current)
			}
		}

		var batch Batch
		for _, set := range sets {
			for _, r := range set.Retired {
				batch.Add(retireRangeQuery(r))
			}
			for _, r := range set.Ranges {
				batch.Add(upsertRangeQuery(r))
			}
			batch.Add(bumpVersionQuery(set.OperationType))
		}
		if err := batch.Exec(ctx, q); err != nil {
			return fmt.Errorf("write range sets: %w", err)
		}
		return nil
	})
}

func (s *Store) lockVersion(ctx context.Context, q Querier, op numerator.OperationType) (int64, error) {
	if err := exec(ctx, q, ensureSetQuery(op)); err != nil {
		return 0, fmt.Errorf("ensure range set %s: %w", op, err)
	}
	sql, args, err := selectVersionQuery(op, true).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build lock version: %w", err)
	}
	var version int64
	if err := pgxscan.Get(ctx, q, &version, sql, args...); err != nil {
		return 0, fmt.Errorf("lock range set %s: %w", op, err)
	}
	return version, nil
}

// ReadCursor implements numerator.Store.
func (s *Store) ReadCursor(ctx context.Context, key numerator.Key) (numerator.Cursor, bool, error) {
	sql, args, err := selectCursorQuery(key).ToSql()
	if err != nil {
		return numerator.Cursor{}, false, fmt.Errorf("build select cursor: %w", err)
	}

	var cur numerator.Cursor
	if err := pgxscan.Get(ctx, s.txm.GetQuerier(ctx), &cur, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return numerator.Cursor{}, false, nil
		}
		return numerator.Cursor{}, false, fmt.Errorf("select cursor %s: %w", key, err)
	}
	return cur, true, nil
}

// WriteCursor implements numerator.Store.
func (s *Store) WriteCursor(ctx context.Context, key numerator.Key, next numerator.Cursor, expectedPriorLastUsed *int64) error {
	var q squirrel.Sqlizer
	if expectedPriorLastUsed == nil {
		q = insertCursorQuery(key, next)
	} else {
		q = updateCursorQuery(key, next, *expectedPriorLastUsed)
	}

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build write cursor: %w", err)
	}
	tag, err := s.txm.GetQuerier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("write cursor %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		conflict := apperror.NewConcurrentModification("cursor", key.String())
		if expectedPriorLastUsed != nil {
			conflict.WithDetail("expected_last_used", *expectedPriorLastUsed)
		}
		return conflict
	}
	return nil
}

// DeleteRanges implements numerator.Store. Set versions survive and are bumped.
func (s *Store) DeleteRanges(ctx context.Context) error {
	return s.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		var batch Batch
		batch.Add(
			builder().Delete(tableRanges),
			builder().Delete(tableCursors),
			builder().Update(tableRangeSets).Set("version", squirrel.Expr("version + 1")),
		)
		if err := batch.Exec(ctx, s.txm.GetQuerier(ctx)); err != nil {
			return fmt.Errorf("delete ranges: %w", err)
		}
		return nil
	})
}

func exec(ctx context.Context, q Querier, stmt squirrel.Sqlizer) error {
	sql, args, err := toSQL(stmt)
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx, sql, args...)
	return err
}

// toSQL renders stmt with dollar placeholders. Raw expressions are not
// rewritten by squirrel, builders already are.
func toSQL(stmt squirrel.Sqlizer) (string, []any, error) {
	sql, args, err := stmt.ToSql()
	if err != nil {
		return "", nil, err
	}
	sql, err = squirrel.Dollar.ReplacePlaceholders(sql)
	return sql, args, err
}

// --- Query builders ---

func selectVersionQuery(op numerator.OperationType, forUpdate bool) squirrel.SelectBuilder {
	q := builder().
		Select("version").
		From(tableRangeSets).
		Where(squirrel.Eq{"operation_type": string(op)})
	if forUpdate {
		q = q.Suffix("FOR UPDATE")
	}
	return q
}

func selectRangesQuery(op numerator.OperationType) squirrel.SelectBuilder {
	return builder().
		Select(rangeColumns...).
		From(tableRanges).
		Where(squirrel.Eq{"operation_type": string(op)}).
		OrderBy("start_number", "location_id")
}

func ensureSetQuery(op numerator.OperationType) squirrel.InsertBuilder {
	return builder().
		Insert(tableRangeSets).
		Columns("operation_type", "version").
		Values(string(op), 0).
		Suffix("ON CONFLICT (operation_type) DO NOTHING")
}

func bumpVersionQuery(op numerator.OperationType) squirrel.UpdateBuilder {
	return builder().
		Update(tableRangeSets).
		Set("version", squirrel.Expr("version + 1")).
		Where(squirrel.Eq{"operation_type": string(op)})
}

// retireRangeQuery marks the matching active row retired, or records the block
// as retired when it is not the active one.
func retireRangeQuery(r numerator.NumberRange) squirrel.Sqlizer {
	return squirrel.Expr(`WITH moved AS (
		UPDATE `+tableRanges+` SET retired = TRUE, retired_at = now()
		WHERE operation_type = ? AND location_id = ? AND start_number = ? AND block_size = ? AND NOT retired
		RETURNING id
	)
	INSERT INTO `+tableRanges+` (operation_type, location_id, start_number, block_size, retired, retired_at)
	SELECT ?, ?, ?, ?, TRUE, now() WHERE NOT EXISTS (SELECT 1 FROM moved)`,
		string(r.OperationType), int64(r.Location), r.StartNumber, r.Size,
		string(r.OperationType), int64(r.Location), r.StartNumber, r.Size,
	)
}

func upsertRangeQuery(r numerator.NumberRange) squirrel.InsertBuilder {
	return builder().
		Insert(tableRanges).
		Columns("operation_type", "location_id", "start_number", "block_size").
		Values(string(r.OperationType), int64(r.Location), r.StartNumber, r.Size).
		Suffix("ON CONFLICT (operation_type, location_id) WHERE NOT retired " +
			"DO UPDATE SET start_number = EXCLUDED.start_number, block_size = EXCLUDED.block_size, created_at = now()")
}

func selectCursorQuery(key numerator.Key) squirrel.SelectBuilder {
	return builder().
		Select(cursorColumns...).
		From(tableCursors).
		Where(squirrel.Eq{
			"operation_type": string(key.OperationType),
			"location_id":    int64(key.Location),
		})
}

func insertCursorQuery(key numerator.Key, next numerator.Cursor) squirrel.InsertBuilder {
	return builder().
		Insert(tableCursors).
		Columns("operation_type", "location_id", "last_used", "used_count").
		Values(string(key.OperationType), int64(key.Location), next.LastUsed, next.Used).
		Suffix("ON CONFLICT (operation_type, location_id) DO NOTHING")
}

func updateCursorQuery(key numerator.Key, next numerator.Cursor, expected int64) squirrel.UpdateBuilder {
	return builder().
		Update(tableCursors).
		Set("last_used", next.LastUsed).
		Set("used_count", next.Used).
		Set("updated_at", squirrel.Expr("now()")).
		Where(squirrel.Eq{
			"operation_type": string(key.OperationType),
			"location_id":    int64(key.Location),
			"last_used":      expected,
		})
}
