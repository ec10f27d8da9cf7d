// Package sqlite implements numerator.Store on a local SQLite file.
// Location nodes that work disconnected from the central database keep their
// own ranges and cursors here.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"docnum/internal/core/apperror"
	"docnum/internal/core/numerator"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS number_range_sets (
	operation_type TEXT PRIMARY KEY,
	version        INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS number_ranges (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	operation_type TEXT NOT NULL,
	location_id    INTEGER NOT NULL,
	start_number   INTEGER NOT NULL CHECK (start_number >= 0),
	block_size     INTEGER NOT NULL CHECK (block_size > 0),
	retired        BOOLEAN NOT NULL DEFAULT 0,
	created_at     TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE UNIQUE INDEX IF NOT EXISTS number_ranges_active_key
	ON number_ranges (operation_type, location_id) WHERE NOT retired;
CREATE TABLE IF NOT EXISTS number_cursors (
	operation_type TEXT NOT NULL,
	location_id    INTEGER NOT NULL,
	last_used      INTEGER NOT NULL,
	used_count     INTEGER NOT NULL DEFAULT 0,
	updated_at     TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (operation_type, location_id)
);`

type rangeRow struct {
	numerator.NumberRange
	Retired bool `db:"retired"`
}

// Store keeps ranges in SQLite. A single connection serializes writers of
// this process; BEGIN IMMEDIATE serializes other processes on the same file.
type Store struct {
	db *sqlx.DB
}

var (
	_ numerator.Store  = (*Store)(nil)
	_ numerator.Pinger = (*Store)(nil)
)

// Open connects to the SQLite database at dsn and creates the schema.
// dsn is a file name or a go-sqlite3 URI such as "file:ranges.db?_busy_timeout=5000".
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "sqlite3", withTxLock(dsn))
	if err != nil {
		return nil, fmt.Errorf("connect sqlite %q: %w", dsn, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}
	return &Store{db: db}, nil
}

func withTxLock(dsn string) string {
	if strings.Contains(dsn, "_txlock=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_txlock=immediate"
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping implements numerator.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ReadRanges implements numerator.Store.
func (s *Store) ReadRanges(ctx context.Context, op numerator.OperationType) (numerator.RangeSet, error) {
	set := numerator.RangeSet{OperationType: op}

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		version, err := readVersion(ctx, tx, op)
		if err != nil {
			return err
		}
		set.Version = version

		var rows []rangeRow
		err = tx.SelectContext(ctx, &rows, `
SELECT operation_type, location_id, start_number, block_size, retired
FROM number_ranges WHERE operation_type = ? ORDER BY start_number, location_id`, string(op))
		if err != nil {
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
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, set := range sets {
			current, err := readVersion(ctx, tx, set.OperationType)
			if err != nil {
				return err
			}
			if current != set.Version {
				return apperror.NewConcurrentModification("range_set", string(set.OperationType)).
					WithDetail("expected_version", set.Version).
					WithDetail("actual_version", current)
			}
		}

		for _, set := range sets {
			for _, r := range set.Retired {
				if err := retire(ctx, tx, r); err != nil {
					return err
				}
			}
			for _, r := range set.Ranges {
				_, err := tx.ExecContext(ctx, `
INSERT INTO number_ranges (operation_type, location_id, start_number, block_size)
VALUES (?, ?, ?, ?)
ON CONFLICT (operation_type, location_id) WHERE NOT retired
DO UPDATE SET start_number = excluded.start_number, block_size = excluded.block_size`,
					string(r.OperationType), int64(r.Location), r.StartNumber, r.Size)
				if err != nil {
					return fmt.Errorf("upsert %s: %w", r, err)
				}
			}
			_, err := tx.ExecContext(ctx, `
INSERT INTO number_range_sets (operation_type, version) VALUES (?, 1)
ON CONFLICT (operation_type) DO UPDATE SET version = version + 1`, string(set.OperationType))
			if err != nil {
				return fmt.Errorf("bump version of %s: %w", set.OperationType, err)
			}
		}
		return nil
	})
}

func retire(ctx context.Context, tx *sqlx.Tx, r numerator.NumberRange) error {
	res, err := tx.ExecContext(ctx, `
UPDATE number_ranges SET retired = 1
WHERE operation_type = ? AND location_id = ? AND start_number = ? AND block_size = ? AND NOT retired`,
		string(r.OperationType), int64(r.Location), r.StartNumber, r.Size)
	if err != nil {
		return fmt.Errorf("retire %s: %w", r, err)
	}
	if n, err := res.RowsAffected(); err != nil || n > 0 {
		return err
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO number_ranges (operation_type, location_id, start_number, block_size, retired)
VALUES (?, ?, ?, ?, 1)`,
		string(r.OperationType), int64(r.Location), r.StartNumber, r.Size)
	if err != nil {
		return fmt.Errorf("record retired %s: %w", r, err)
	}
	return nil
}

func readVersion(ctx context.Context, tx *sqlx.Tx, op numerator.OperationType) (int64, error) {
	var version int64
	err := tx.GetContext(ctx, &version, `SELECT version FROM number_range_sets WHERE operation_type = ?`, string(op))
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("select version of %s: %w", op, err)
	}
	return version, nil
}

// ReadCursor implements numerator.Store.
func (s *Store) ReadCursor(ctx context.Context, key numerator.Key) (numerator.Cursor, bool, error) {
	var cur numerator.Cursor
	err := s.db.GetContext(ctx, &cur, `
SELECT last_used, used_count FROM number_cursors WHERE operation_type = ? AND location_id = ?`,
		string(key.OperationType), int64(key.Location))
	if errors.Is(err, sql.ErrNoRows) {
		return numerator.Cursor{}, false, nil
	}
	if err != nil {
		return numerator.Cursor{}, false, fmt.Errorf("select cursor %s: %w", key, err)
	}
	return cur, true, nil
}

// WriteCursor implements numerator.Store.
func (s *Store) WriteCursor(ctx context.Context, key numerator.Key, next numerator.Cursor, expectedPriorLastUsed *int64) error {
	var (
		res sql.Result
		err error
	)
	if expectedPriorLastUsed == nil {
		res, err = s.db.ExecContext(ctx, `
INSERT INTO number_cursors (operation_type, location_id, last_used, used_count) VALUES (?, ?, ?, ?)
ON CONFLICT (operation_type, location_id) DO NOTHING`,
			string(key.OperationType), int64(key.Location), next.LastUsed, next.Used)
	} else {
		res, err = s.db.ExecContext(ctx, `
UPDATE number_cursors SET last_used = ?, used_count = ?, updated_at = CURRENT_TIMESTAMP
WHERE operation_type = ? AND location_id = ? AND last_used = ?`,
			next.LastUsed, next.Used, string(key.OperationType), int64(key.Location), *expectedPriorLastUsed)
	}
	if err != nil {
		return fmt.Errorf("write cursor %s: %w", key, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("write cursor %s: %w", key, err)
	}
	if n == 0 {
		return apperror.NewConcurrentModification("cursor", key.String())
	}
	return nil
}

// DeleteRanges implements numerator.Store.
func (s *Store) DeleteRanges(ctx context.Context) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, stmt := range []string{
			`DELETE FROM number_ranges`,
			`DELETE FROM number_cursors`,
			`UPDATE number_range_sets SET version = version + 1`,
		} {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("delete ranges: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin sqlite transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit sqlite transaction: %w", err)
	}
	return nil
}
