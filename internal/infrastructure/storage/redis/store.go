// Package redis implements numerator.Store on Redis.
//
// Each range set is one JSON value holding its version, and each cursor is one
// JSON value. Optimistic checks use WATCH/MULTI, so a concurrent writer makes
// the transaction fail with redis.TxFailedErr.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"docnum/internal/core/apperror"
	"docnum/internal/core/numerator"
)

// DefaultPrefix namespaces every key written by the store.
const DefaultPrefix = "docnum:"

// Store keeps range sets and cursors in Redis.
type Store struct {
	rdb    *redis.Client
	prefix string
}

var (
	_ numerator.Store  = (*Store)(nil)
	_ numerator.Pinger = (*Store)(nil)
)

// Connect parses redisURL, creates a client and validates connectivity.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// NewStore creates a store on rdb. An empty prefix means DefaultPrefix.
func NewStore(rdb *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{rdb: rdb, prefix: prefix}
}

// Ping implements numerator.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) setKey(op numerator.OperationType) string {
	return s.prefix + "ranges:" + string(op)
}

func (s *Store) cursorKey(key numerator.Key) string {
	return s.prefix + "cursor:" + string(key.OperationType) + ":" + strconv.FormatInt(int64(key.Location), 10)
}

// ReadRanges implements numerator.Store.
func (s *Store) ReadRanges(ctx context.Context, op numerator.OperationType) (numerator.RangeSet, error) {
	return readSet(ctx, s.rdb, s.setKey(op), op)
}

func readSet(ctx context.Context, c redis.Cmdable, key string, op numerator.OperationType) (numerator.RangeSet, error) {
	raw, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return numerator.RangeSet{OperationType: op}, nil
	}
	if err != nil {
		return numerator.RangeSet{}, fmt.Errorf("get %s: %w", key, err)
	}

	var set numerator.RangeSet
	if err := json.Unmarshal(raw, &set); err != nil {
		return numerator.RangeSet{}, fmt.Errorf("decode %s: %w", key, err)
	}
	set.OperationType = op
	return set, nil
}

// WriteRanges implements numerator.Store.
func (s *Store) WriteRanges(ctx context.Context, sets ...numerator.RangeSet) error {
	if len(sets) == 0 {
		return nil
	}
	keys := make([]string, len(sets))
	for i, set := range sets {
		keys[i] = s.setKey(set.OperationType)
	}

	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		next := make([][]byte, len(sets))
		for i, set := range sets {
			stored, err := readSet(ctx, tx, keys[i], set.OperationType)
			if err != nil {
				return err
			}
			if stored.Version != set.Version {
				return apperror.NewConcurrentModification("range_set", string(set.OperationType)).
					WithDetail("expected_version", set.Version).
					WithDetail("actual_version", stored.Version)
			}
			merged := merge(stored, set)
			if next[i], err = json.Marshal(merged); err != nil {
				return fmt.Errorf("encode %s: %w", keys[i], err)
			}
		}

		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for i := range sets {
				pipe.Set(ctx, keys[i], next[i], 0)
			}
			return nil
		})
		return err
	}, keys...)

	if errors.Is(err, redis.TxFailedErr) {
		return apperror.NewConcurrentModification("range_set", string(sets[0].OperationType))
	}
	return err
}

// merge applies write to stored: active ranges are upserted by location,
// retired blocks are moved out of the active list or appended.
func merge(stored, write numerator.RangeSet) numerator.RangeSet {
	out := numerator.RangeSet{
		OperationType: stored.OperationType,
		Version:       stored.Version + 1,
		Retired:       append([]numerator.NumberRange(nil), stored.Retired...),
	}

	active := make(map[numerator.LocationID]numerator.NumberRange, len(stored.Ranges))
	for _, r := range stored.Ranges {
		active[r.Location] = r
	}
	for _, r := range write.Retired {
		if cur, ok := active[r.Location]; ok && cur == r {
			delete(active, r.Location)
		}
		out.Retired = append(out.Retired, r)
	}
	for _, r := range write.Ranges {
		active[r.Location] = r
	}

	for _, r := range active {
		out.Ranges = append(out.Ranges, r)
	}
	numerator.SortRanges(out.Ranges)
	numerator.SortRanges(out.Retired)
	return out
}

// ReadCursor implements numerator.Store.
func (s *Store) ReadCursor(ctx context.Context, key numerator.Key) (numerator.Cursor, bool, error) {
	return readCursor(ctx, s.rdb, s.cursorKey(key))
}

func readCursor(ctx context.Context, c redis.Cmdable, key string) (numerator.Cursor, bool, error) {
	raw, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return numerator.Cursor{}, false, nil
	}
	if err != nil {
		return numerator.Cursor{}, false, fmt.Errorf("get %s: %w", key, err)
	}

	var cur numerator.Cursor
	if err := json.Unmarshal(raw, &cur); err != nil {
		return numerator.Cursor{}, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return cur, true, nil
}

// WriteCursor implements numerator.Store.
func (s *Store) WriteCursor(ctx context.Context, key numerator.Key, next numerator.Cursor, expectedPriorLastUsed *int64) error {
	k := s.cursorKey(key)
	raw, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode %s: %w", k, err)
	}

	if expectedPriorLastUsed == nil {
		ok, err := s.rdb.SetNX(ctx, k, raw, 0).Result()
		if err != nil {
			return fmt.Errorf("setnx %s: %w", k, err)
		}
		if !ok {
			return apperror.NewConcurrentModification("cursor", key.String())
		}
		return nil
	}

	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, found, err := readCursor(ctx, tx, k)
		if err != nil {
			return err
		}
		if !found || cur.LastUsed != *expectedPriorLastUsed {
			return apperror.NewConcurrentModification("cursor", key.String()).
				WithDetail("expected_last_used", *expectedPriorLastUsed)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, raw, 0)
			return nil
		})
		return err
	}, k)

	if errors.Is(err, redis.TxFailedErr) {
		return apperror.NewConcurrentModification("cursor", key.String())
	}
	return err
}

// DeleteRanges implements numerator.Store. Set versions survive and are bumped.
func (s *Store) DeleteRanges(ctx context.Context) error {
	ops := numerator.AllOperationTypes()
	keys := make([]string, len(ops))
	for i, op := range ops {
		keys[i] = s.setKey(op)
	}

	cursors, err := s.scan(ctx, s.prefix+"cursor:*")
	if err != nil {
		return err
	}

	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		emptied := make([][]byte, len(ops))
		for i, op := range ops {
			stored, err := readSet(ctx, tx, keys[i], op)
			if err != nil {
				return err
			}
			if emptied[i], err = json.Marshal(numerator.RangeSet{OperationType: op, Version: stored.Version + 1}); err != nil {
				return fmt.Errorf("encode %s: %w", keys[i], err)
			}
		}

		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for i := range ops {
				pipe.Set(ctx, keys[i], emptied[i], 0)
			}
			if len(cursors) > 0 {
				pipe.Del(ctx, cursors...)
			}
			return nil
		})
		return err
	}, keys...)

	if errors.Is(err, redis.TxFailedErr) {
		return apperror.NewConcurrentModification("range_set", "*")
	}
	return err
}

func (s *Store) scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", pattern, err)
	}
	return keys, nil
}
