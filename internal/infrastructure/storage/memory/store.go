// Package memory provides an in-process implementation of numerator.Store.
// Used for development, single-node locations and tests.
package memory

import (
	"context"
	"sync"

	"docnum/internal/core/apperror"
	"docnum/internal/core/numerator"
)

type opState struct {
	version int64
	active  map[numerator.LocationID]numerator.NumberRange
	retired []numerator.NumberRange
}

// Store keeps ranges and cursors in maps guarded by one RWMutex.
type Store struct {
	mu sync.RWMutex

	ops     map[numerator.OperationType]*opState
	cursors map[numerator.Key]numerator.Cursor
}

// Ensure compile-time interface compliance.
var _ numerator.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		ops:     make(map[numerator.OperationType]*opState),
		cursors: make(map[numerator.Key]numerator.Cursor),
	}
}

// Ping implements numerator.Pinger.
func (s *Store) Ping(_ context.Context) error {
	return nil
}

// ReadRanges implements numerator.Store.
func (s *Store) ReadRanges(_ context.Context, op numerator.OperationType) (numerator.RangeSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := numerator.RangeSet{OperationType: op}
	st, ok := s.ops[op]
	if !ok {
		return set, nil
	}

	set.Version = st.version
	for _, r := range st.active {
		set.Ranges = append(set.Ranges, r)
	}
	numerator.SortRanges(set.Ranges)
	set.Retired = append(set.Retired, st.retired...)
	return set, nil
}

// WriteRanges implements numerator.Store.
func (s *Store) WriteRanges(_ context.Context, sets ...numerator.RangeSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Check every version first so that a conflict leaves nothing written.
	for _, set := range sets {
		var current int64
		if st, ok := s.ops[set.OperationType]; ok {
			current = st.version
		}
		if current != set.Version {
			return apperror.NewConcurrentModification("range_set", string(set.OperationType)).
				WithDetail("expected_version", set.Version).
				WithDetail("actual_version", current)
		}
	}

	for _, set := range sets {
		st, ok := s.ops[set.OperationType]
		if !ok {
			st = &opState{active: make(map[numerator.LocationID]numerator.NumberRange)}
			s.ops[set.OperationType] = st
		}
		for _, r := range set.Ranges {
			st.active[r.Location] = r
		}
		st.retired = append(st.retired, set.Retired...)
		st.version++
	}
	return nil
}

// ReadCursor implements numerator.Store.
func (s *Store) ReadCursor(_ context.Context, key numerator.Key) (numerator.Cursor, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cur, ok := s.cursors[key]
	return cur, ok, nil
}

// WriteCursor implements numerator.Store.
func (s *Store) WriteCursor(_ context.Context, key numerator.Key, next numerator.Cursor, expectedPriorLastUsed *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, exists := s.cursors[key]
	switch {
	case expectedPriorLastUsed == nil && exists:
		return apperror.NewConcurrentModification("cursor", key.String()).
			WithDetail("actual_last_used", cur.LastUsed)
	case expectedPriorLastUsed != nil && !exists:
		return apperror.NewConcurrentModification("cursor", key.String()).
			WithDetail("expected_last_used", *expectedPriorLastUsed)
	case expectedPriorLastUsed != nil && cur.LastUsed != *expectedPriorLastUsed:
		return apperror.NewConcurrentModification("cursor", key.String()).
			WithDetail("expected_last_used", *expectedPriorLastUsed).
			WithDetail("actual_last_used", cur.LastUsed)
	}

	s.cursors[key] = next
	return nil
}

// DeleteRanges implements numerator.Store.
func (s *Store) DeleteRanges(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Versions survive the reset so that writers holding a pre-delete read lose their CAS.
	for _, st := range s.ops {
		st.active = make(map[numerator.LocationID]numerator.NumberRange)
		st.retired = nil
		st.version++
	}
	s.cursors = make(map[numerator.Key]numerator.Cursor)
	return nil
}
