package numbering

import (
	"context"
	"errors"
	"math"

	"docnum/internal/core/apperror"
	"docnum/internal/core/numerator"
	"docnum/pkg/logger"
)

// Renumber moves (loc, op) to a fresh block past every block ever handed out
// for op and returns it. The previous block is retired: numbers already issued
// from it stay valid and the block is never handed out again.
//
// Renumber holds the same key lock as IssueNext. A concurrent renumber of
// another location that wins the range-set version makes this one recompute
// its block on the next attempt.
func (s *Service) Renumber(ctx context.Context, loc numerator.LocationID, op numerator.OperationType) (r numerator.NumberRange, err error) {
	if err := validateOperationType(op); err != nil {
		return numerator.NumberRange{}, err
	}
	key := numerator.NewKey(loc, op)

	ctx, span := startSpan(ctx, "numbering.Renumber", key)
	defer func() { endSpan(span, err) }()

	unlock := s.locks.Lock(key)
	defer unlock()

	return s.renumberLocked(ctx, key)
}

// RenumberNearExhausted renumbers every pair the exhaustion policy flags.
// Each pair is re-checked under its key lock; failures do not stop the loop
// and are returned joined.
func (s *Service) RenumberNearExhausted(ctx context.Context) ([]numerator.NumberRange, error) {
	flagged, err := s.NearExhaustion(ctx)
	if err != nil {
		return nil, err
	}

	var (
		moved []numerator.NumberRange
		errs  []error
	)
	for _, u := range flagged {
		r, done, err := s.renumberIfNear(ctx, u.Key)
		if err != nil {
			logger.Error(ctx, "renumbering failed", "key", u.Key.String(), "error", err)
			errs = append(errs, err)
			continue
		}
		if done {
			moved = append(moved, r)
		}
	}
	return moved, errors.Join(errs...)
}

func (s *Service) renumberIfNear(ctx context.Context, key numerator.Key) (numerator.NumberRange, bool, error) {
	unlock := s.locks.Lock(key)
	defer unlock()

	u, err := s.UsageOf(ctx, key.Location, key.OperationType)
	if err != nil {
		return numerator.NumberRange{}, false, err
	}
	if !u.NearExhaustion {
		return numerator.NumberRange{}, false, nil
	}
	r, err := s.renumberLocked(ctx, key)
	if err != nil {
		return numerator.NumberRange{}, false, err
	}
	return r, true, nil
}

// renumberLocked requires the key lock of key.
func (s *Service) renumberLocked(ctx context.Context, key numerator.Key) (numerator.NumberRange, error) {
	var (
		next    numerator.NumberRange
		old     numerator.NumberRange
		hadOld  bool
		version int64
	)
	err := s.withRetry(ctx, "renumber", func() error {
		current, err := s.readRanges(ctx, key.OperationType)
		if err != nil {
			return err
		}
		old, hadOld = current.Find(key.Location)

		size := s.blockSizeFor(current, old, hadOld)
		start := alignUp(current.MaxEnd(s.cfg.BaseOffset), s.cfg.BaseOffset, size)
		if start > s.cfg.MaxNumber()-size+1 {
			desc := ""
			if hadOld {
				desc = old.String()
			}
			return apperror.NewRangeExhausted(key.String(), start, desc).
				WithDetail("reason", "number_space").
				WithDetail("max_number", s.cfg.MaxNumber())
		}
		next = numerator.NumberRange{
			OperationType: key.OperationType,
			Location:      key.Location,
			StartNumber:   start,
			Size:          size,
		}

		write := numerator.RangeSet{
			OperationType: key.OperationType,
			Version:       current.Version,
			Ranges:        []numerator.NumberRange{next},
		}
		if hadOld {
			write.Retired = []numerator.NumberRange{old}
		}
		if err := validateDisjoint(current, write); err != nil {
			return err
		}
		version = current.Version + 1
		return storeErr("write_ranges", s.store.WriteRanges(ctx, write))
	})
	if err != nil {
		return numerator.NumberRange{}, err
	}

	if err := s.resetCursor(ctx, next); err != nil {
		return numerator.NumberRange{}, err
	}

	changes := map[string]any{"range": next, "version": version}
	if hadOld {
		changes["retired"] = old
	}
	s.logAudit(ctx, numerator.AuditActionRenumber, key.OperationType, changes)

	logger.Info(ctx, "location renumbered",
		"key", key.String(),
		"new_range", next.String(),
		"had_previous", hadOld,
	)
	return next, nil
}

// blockSizeFor keeps the pair's block size, else adopts the size already used
// by the operation type, else the recommended size.
func (s *Service) blockSizeFor(set numerator.RangeSet, current numerator.NumberRange, ok bool) int64 {
	if ok {
		return current.Size
	}
	if len(set.Ranges) > 0 {
		return set.Ranges[0].Size
	}
	if len(set.Retired) > 0 {
		return set.Retired[0].Size
	}
	return s.cfg.RecommendedSize
}

// resetCursor points the cursor of r's key just before r.StartNumber unless it
// already lies inside r. The write is a compare-and-swap, so an issuer in
// another process still working from the previous block loses its own swap
// and re-reads.
func (s *Service) resetCursor(ctx context.Context, r numerator.NumberRange) error {
	key := r.Key()
	return s.withRetry(ctx, "reset_cursor", func() error {
		cur, found, err := s.readCursor(ctx, key)
		if err != nil {
			return err
		}
		if found && r.Contains(cur.LastUsed) {
			return nil
		}

		var expected *int64
		if found {
			prior := cur.LastUsed
			expected = &prior
		}
		next := numerator.Cursor{LastUsed: r.StartNumber - 1}
		return storeErr("write_cursor", s.store.WriteCursor(ctx, key, next, expected))
	})
}

// alignUp returns the smallest base + k*size that is >= n, saturating at MaxInt64.
func alignUp(n, base, size int64) int64 {
	if n <= base {
		return base
	}
	k := (n - base) / size
	if (n-base)%size != 0 {
		k++
	}
	if k > (math.MaxInt64-base)/size {
		return math.MaxInt64
	}
	return base + k*size
}
