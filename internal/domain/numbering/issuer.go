package numbering

import (
	"context"

	"docnum/internal/core/apperror"
	"docnum/internal/core/numerator"
	"docnum/pkg/logger"
)

// IssueNext returns the next number of the active block of (loc, op) and advances the cursor.
//
// Calls for the same key are serialized in process; across processes the cursor
// write is a compare-and-swap on the previous LastUsed, so a lost race re-reads
// the range and cursor and tries again. Numbers outside the active block are
// never issued.
func (s *Service) IssueNext(ctx context.Context, loc numerator.LocationID, op numerator.OperationType) (n int64, err error) {
	if err := validateOperationType(op); err != nil {
		return 0, err
	}
	key := numerator.NewKey(loc, op)

	ctx, span := startSpan(ctx, "numbering.IssueNext", key)
	defer func() { endSpan(span, err) }()

	unlock := s.locks.Lock(key)
	defer unlock()

	err = s.withRetry(ctx, "issue_next", func() error {
		var err error
		n, err = s.issueOnce(ctx, key)
		return err
	})
	if err != nil {
		if apperror.IsRangeExhausted(err) {
			logger.Warn(ctx, "number range exhausted", "key", key.String())
		}
		return 0, err
	}
	return n, nil
}

// issueOnce is a single read-increment-compare-and-swap attempt.
func (s *Service) issueOnce(ctx context.Context, key numerator.Key) (int64, error) {
	set, err := s.readRanges(ctx, key.OperationType)
	if err != nil {
		return 0, err
	}
	r, ok := set.Find(key.Location)
	if !ok {
		return 0, apperror.NewRangeNotAllocated(key.String())
	}

	cur, found, err := s.readCursor(ctx, key)
	if err != nil {
		return 0, err
	}
	lastUsed, used := position(r, cur, found)

	next := lastUsed + 1
	if next > r.Last() {
		return 0, apperror.NewRangeExhausted(key.String(), next, r.String())
	}

	var expected *int64
	if found {
		prior := cur.LastUsed
		expected = &prior
	}
	if err := s.store.WriteCursor(ctx, key, numerator.Cursor{LastUsed: next, Used: used + 1}, expected); err != nil {
		return 0, storeErr("write_cursor", err)
	}
	return next, nil
}
