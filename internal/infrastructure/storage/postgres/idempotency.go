package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"docnum/internal/core/idempotency"
)

const tableIdempotency = "number_idempotency"

var idempotencyColumns = ExtractDBColumns[idempotency.Record]()

// acquiredRecord is the row returned by the acquire upsert.
type acquiredRecord struct {
	idempotency.Record
	Inserted bool `db:"inserted"`
}

// IdempotencyStore keeps idempotency keys in number_idempotency.
type IdempotencyStore struct {
	txm *TxManager
	ttl time.Duration
}

var _ idempotency.Store = (*IdempotencyStore)(nil)

// NewIdempotencyStore creates a store that keeps completed responses for ttl.
func NewIdempotencyStore(pool *Pool, ttl time.Duration) *IdempotencyStore {
	if ttl <= 0 {
		ttl = idempotency.DefaultTTL
	}
	return &IdempotencyStore{txm: NewTxManager(pool), ttl: ttl}
}

// Acquire implements idempotency.Store.
func (s *IdempotencyStore) Acquire(ctx context.Context, key, subject, operation, requestHash string) (*idempotency.Replay, error) {
	now := time.Now().UTC()
	q := s.txm.GetQuerier(ctx)

	if err := exec(ctx, q, deleteExpiredKeyQuery(key, now.Add(-s.ttl))); err != nil {
		return nil, fmt.Errorf("expire idempotency key: %w", err)
	}

	sql, args, err := acquireIdempotencyQuery(idempotency.Record{
		Key:         key,
		Subject:     subject,
		Operation:   operation,
		RequestHash: requestHash,
		Status:      idempotency.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build acquire idempotency key: %w", err)
	}

	var rec acquiredRecord
	if err := pgxscan.Get(ctx, q, &rec, sql, args...); err != nil {
		return nil, fmt.Errorf("acquire idempotency key: %w", err)
	}
	if rec.Inserted {
		return nil, nil
	}

	replay, reclaim, err := idempotency.Resolve(rec.Record, subject, operation, requestHash, now)
	if err != nil || replay != nil || !reclaim {
		return replay, err
	}

	// Only one of several concurrent reclaimers matches the old updated_at.
	tag, err := q.Exec(ctx, `UPDATE `+tableIdempotency+` SET updated_at = $1
		WHERE idempotency_key = $2 AND status = $3 AND updated_at = $4`,
		now, key, idempotency.StatusPending, rec.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("reclaim stale key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.Acquire(ctx, key, subject, operation, requestHash)
	}
	return nil, nil
}

// Complete implements idempotency.Store.
func (s *IdempotencyStore) Complete(ctx context.Context, key string, replay idempotency.Replay) error {
	return exec(ctx, s.txm.GetQuerier(ctx), builder().
		Update(tableIdempotency).
		SetMap(map[string]any{
			"status":                idempotency.StatusSuccess,
			"response":              replay.Body,
			"response_status":       replay.StatusCode,
			"response_content_type": replay.ContentType,
			"updated_at":            time.Now().UTC(),
		}).
		Where(squirrel.Eq{"idempotency_key": key}))
}

// Release implements idempotency.Store.
func (s *IdempotencyStore) Release(ctx context.Context, key string) error {
	return exec(ctx, s.txm.GetQuerier(ctx), builder().
		Delete(tableIdempotency).
		Where(squirrel.Eq{"idempotency_key": key, "status": idempotency.StatusPending}))
}

// CleanupExpired removes keys older than the store TTL.
func (s *IdempotencyStore) CleanupExpired(ctx context.Context) (int64, error) {
	sql, args, err := builder().
		Delete(tableIdempotency).
		Where(squirrel.Lt{"created_at": time.Now().UTC().Add(-s.ttl)}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build cleanup: %w", err)
	}
	tag, err := s.txm.GetQuerier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("cleanup idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}

// acquireIdempotencyQuery inserts rec or returns the stored row.
// inserted is true when rec was written.
func acquireIdempotencyQuery(rec idempotency.Record) squirrel.InsertBuilder {
	returning := append(append([]string(nil), idempotencyColumns...), "(xmax = 0) AS inserted")

	return builder().
		Insert(tableIdempotency).
		SetMap(StructToMap(rec)).
		Suffix("ON CONFLICT (idempotency_key) DO UPDATE SET idempotency_key = EXCLUDED.idempotency_key").
		Suffix("RETURNING " + strings.Join(returning, ", "))
}

func deleteExpiredKeyQuery(key string, expiredBefore time.Time) squirrel.DeleteBuilder {
	return builder().
		Delete(tableIdempotency).
		Where(squirrel.Eq{"idempotency_key": key}).
		Where(squirrel.Lt{"created_at": expiredBefore})
}
