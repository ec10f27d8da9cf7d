package memory

import (
	"context"
	"sync"
	"time"

	"docnum/internal/core/idempotency"
)

// IdempotencyStore keeps idempotency keys in memory. Keys are lost on restart.
type IdempotencyStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	records map[string]idempotency.Record
}

var _ idempotency.Store = (*IdempotencyStore)(nil)

// NewIdempotencyStore creates a store that keeps completed responses for ttl.
func NewIdempotencyStore(ttl time.Duration) *IdempotencyStore {
	if ttl <= 0 {
		ttl = idempotency.DefaultTTL
	}
	return &IdempotencyStore{
		ttl:     ttl,
		now:     time.Now,
		records: make(map[string]idempotency.Record),
	}
}

// Acquire implements idempotency.Store.
func (s *IdempotencyStore) Acquire(_ context.Context, key, subject, operation, requestHash string) (*idempotency.Replay, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	s.evict(now)

	rec, ok := s.records[key]
	if ok {
		// Only a stale pending key gets past Resolve.
		replay, _, err := idempotency.Resolve(rec, subject, operation, requestHash, now)
		if err != nil || replay != nil {
			return replay, err
		}
	}

	s.records[key] = idempotency.Record{
		Key:         key,
		Subject:     subject,
		Operation:   operation,
		RequestHash: requestHash,
		Status:      idempotency.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return nil, nil
}

// Complete implements idempotency.Store.
func (s *IdempotencyStore) Complete(_ context.Context, key string, replay idempotency.Replay) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return nil
	}
	rec.Status = idempotency.StatusSuccess
	rec.StatusCode = replay.StatusCode
	rec.ContentType = replay.ContentType
	rec.Response = append([]byte(nil), replay.Body...)
	rec.UpdatedAt = s.now().UTC()
	s.records[key] = rec
	return nil
}

// Release implements idempotency.Store.
func (s *IdempotencyStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, key)
	return nil
}

func (s *IdempotencyStore) evict(now time.Time) {
	for key, rec := range s.records {
		if now.Sub(rec.CreatedAt) > s.ttl {
			delete(s.records, key)
		}
	}
}
