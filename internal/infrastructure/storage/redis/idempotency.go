package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"docnum/internal/core/apperror"
	"docnum/internal/core/idempotency"
)

// IdempotencyStore keeps idempotency keys as JSON values that expire after ttl.
type IdempotencyStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

var _ idempotency.Store = (*IdempotencyStore)(nil)

// NewIdempotencyStore creates a store on rdb. An empty prefix means DefaultPrefix.
func NewIdempotencyStore(rdb *redis.Client, prefix string, ttl time.Duration) *IdempotencyStore {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if ttl <= 0 {
		ttl = idempotency.DefaultTTL
	}
	return &IdempotencyStore{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (s *IdempotencyStore) redisKey(key string) string {
	return s.prefix + "idem:" + key
}

// Acquire implements idempotency.Store.
func (s *IdempotencyStore) Acquire(ctx context.Context, key, subject, operation, requestHash string) (*idempotency.Replay, error) {
	now := time.Now().UTC()
	rk := s.redisKey(key)
	fresh := idempotency.Record{
		Key:         key,
		Subject:     subject,
		Operation:   operation,
		RequestHash: requestHash,
		Status:      idempotency.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	var replay *idempotency.Replay
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		rec, found, err := getRecord(ctx, tx, rk)
		if err != nil {
			return err
		}
		if found {
			var reclaim bool
			replay, reclaim, err = idempotency.Resolve(rec, subject, operation, requestHash, now)
			if err != nil || replay != nil || !reclaim {
				return err
			}
			fresh.CreatedAt = rec.CreatedAt
		}
		return putRecord(ctx, tx, rk, fresh, s.ttl)
	}, rk)
	if errors.Is(err, redis.TxFailedErr) {
		return nil, apperror.NewIdempotencyConflict(key)
	}
	if err != nil {
		if apperror.IsAppError(err) {
			return nil, err
		}
		return nil, fmt.Errorf("acquire idempotency key: %w", err)
	}
	return replay, nil
}

// Complete implements idempotency.Store.
func (s *IdempotencyStore) Complete(ctx context.Context, key string, replay idempotency.Replay) error {
	rk := s.redisKey(key)
	return s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		rec, found, err := getRecord(ctx, tx, rk)
		if err != nil || !found {
			return err
		}
		rec.Status = idempotency.StatusSuccess
		rec.StatusCode = replay.StatusCode
		rec.ContentType = replay.ContentType
		rec.Response = replay.Body
		rec.UpdatedAt = time.Now().UTC()
		return putRecord(ctx, tx, rk, rec, s.ttl)
	}, rk)
}

// Release implements idempotency.Store. Completed keys are kept.
func (s *IdempotencyStore) Release(ctx context.Context, key string) error {
	rk := s.redisKey(key)
	return s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		rec, found, err := getRecord(ctx, tx, rk)
		if err != nil || !found || rec.Status != idempotency.StatusPending {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, rk)
			return nil
		})
		return err
	}, rk)
}

func getRecord(ctx context.Context, c redis.Cmdable, rk string) (idempotency.Record, bool, error) {
	raw, err := c.Get(ctx, rk).Bytes()
	if errors.Is(err, redis.Nil) {
		return idempotency.Record{}, false, nil
	}
	if err != nil {
		return idempotency.Record{}, false, fmt.Errorf("get %s: %w", rk, err)
	}
	var rec idempotency.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return idempotency.Record{}, false, fmt.Errorf("decode %s: %w", rk, err)
	}
	return rec, true, nil
}

func putRecord(ctx context.Context, tx *redis.Tx, rk string, rec idempotency.Record, ttl time.Duration) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode %s: %w", rk, err)
	}
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, rk, payload, ttl)
		return nil
	})
	return err
}
