package numbering

import (
	"context"
	"sort"

	"docnum/internal/core/apperror"
	"docnum/internal/core/numerator"
	"docnum/pkg/logger"
)

// CreateInitialRanges allocates one block per (location, operation type) pair.
//
// Per operation type, locations are sorted ascending and location i gets
// StartNumber = BaseOffset + i*blockSize. Pairs that already own a range keep it;
// when the type already has blocks, new locations are appended after the
// highest block ever handed out instead.
// Every new range is checked against all active and retired blocks of its type
// and the whole result is written in one store call or not at all.
func (s *Service) CreateInitialRanges(
	ctx context.Context,
	locations []numerator.LocationID,
	operationTypes []numerator.OperationType,
	minimalSize, recommendedSize int64,
) (map[numerator.Key]numerator.NumberRange, error) {
	if minimalSize <= 0 || recommendedSize < minimalSize {
		return nil, apperror.NewValidation("invalid block sizes").
			WithDetail("minimal_size", minimalSize).
			WithDetail("recommended_size", recommendedSize)
	}

	locs := uniqueLocations(locations)
	ops, err := uniqueOperationTypes(operationTypes)
	if err != nil {
		return nil, err
	}
	result := make(map[numerator.Key]numerator.NumberRange)
	if len(locs) == 0 || len(ops) == 0 {
		return result, nil
	}
	for _, loc := range locs {
		if loc < 0 {
			return nil, apperror.NewValidation("location id must not be negative").WithDetail("location", loc)
		}
	}

	blockSize, reason, ok := s.cfg.ChooseBlockSize(len(locs), minimalSize, recommendedSize)
	if !ok {
		return nil, apperror.NewValidation("number budget too small for locations").
			WithDetail("reason", "number_budget").
			WithDetail("locations", len(locs)).
			WithDetail("max_number", s.cfg.MaxNumber())
	}
	if reason == numerator.BlockSizeMinimal {
		logger.Warn(ctx, "recommended block size exceeds number budget, using minimal size",
			"reason", reason,
			"recommended_size", recommendedSize,
			"minimal_size", minimalSize,
			"locations", len(locs),
			"max_number", s.cfg.MaxNumber(),
		)
	}

	keys := make([]numerator.Key, 0, len(locs)*len(ops))
	for _, op := range ops {
		for _, loc := range locs {
			keys = append(keys, numerator.NewKey(loc, op))
		}
	}
	unlock := s.locks.LockAll(keys)
	defer unlock()

	var written []numerator.RangeSet
	err = s.withRetry(ctx, "create_initial_ranges", func() error {
		clear(result)
		written = written[:0]

		for _, op := range ops {
			current, err := s.readRanges(ctx, op)
			if err != nil {
				return err
			}

			write := numerator.RangeSet{OperationType: op, Version: current.Version}
			occupied := len(current.Ranges)+len(current.Retired) > 0
			nextFree := alignUp(current.MaxEnd(s.cfg.BaseOffset), s.cfg.BaseOffset, blockSize)
			for i, loc := range locs {
				if existing, ok := current.Find(loc); ok {
					result[existing.Key()] = existing
					continue
				}
				start := s.cfg.BaseOffset + int64(i)*blockSize
				if occupied {
					start = nextFree
				}
				if start > s.cfg.MaxNumber()-blockSize+1 {
					return apperror.NewValidation("number budget too small for locations").
						WithDetail("reason", "number_budget").
						WithDetail("key", numerator.NewKey(loc, op).String()).
						WithDetail("max_number", s.cfg.MaxNumber())
				}
				if occupied {
					nextFree += blockSize
				}
				r := numerator.NumberRange{
					OperationType: op,
					Location:      loc,
					StartNumber:   start,
					Size:          blockSize,
				}
				write.Ranges = append(write.Ranges, r)
				result[r.Key()] = r
			}
			if len(write.Ranges) == 0 {
				continue
			}
			if err := validateDisjoint(current, write); err != nil {
				return err
			}
			written = append(written, write)
		}

		if len(written) == 0 {
			return nil
		}
		return storeErr("write_ranges", s.store.WriteRanges(ctx, written...))
	})
	if err != nil {
		return nil, err
	}

	for _, set := range written {
		s.logAudit(ctx, numerator.AuditActionCreate, set.OperationType, map[string]any{
			"ranges":            set.Ranges,
			"block_size":        blockSize,
			"block_size_reason": reason,
		})
		logger.Info(ctx, "initial ranges allocated",
			"operation_type", set.OperationType,
			"count", len(set.Ranges),
			"block_size", blockSize,
		)
	}
	return result, nil
}

// UpdateRanges replaces the active ranges of the given keys.
// Replaced blocks are retired, never reused. The union of existing and incoming
// ranges is re-validated on every attempt; on overlap nothing is written.
func (s *Service) UpdateRanges(ctx context.Context, ranges []numerator.NumberRange) error {
	if len(ranges) == 0 {
		return nil
	}
	if err := s.validateIncoming(ranges); err != nil {
		return err
	}

	keys := make([]numerator.Key, 0, len(ranges))
	for _, r := range ranges {
		keys = append(keys, r.Key())
	}
	unlock := s.locks.LockAll(keys)
	defer unlock()

	var written []numerator.RangeSet
	err := s.withRetry(ctx, "update_ranges", func() error {
		var err error
		written, err = s.applyUpdate(ctx, ranges)
		return err
	})
	if err != nil {
		return err
	}

	for _, set := range written {
		for _, r := range set.Ranges {
			if err := s.resetCursor(ctx, r); err != nil {
				return err
			}
		}
		s.logAudit(ctx, numerator.AuditActionUpdate, set.OperationType, map[string]any{
			"ranges":  set.Ranges,
			"retired": set.Retired,
		})
		logger.Info(ctx, "ranges updated",
			"operation_type", set.OperationType,
			"count", len(set.Ranges),
			"retired", len(set.Retired),
		)
	}
	return nil
}

// applyUpdate performs one optimistic attempt of an update: read, build, validate, write.
// Callers hold the key locks of ranges.
func (s *Service) applyUpdate(ctx context.Context, ranges []numerator.NumberRange) ([]numerator.RangeSet, error) {
	byOp := make(map[numerator.OperationType][]numerator.NumberRange)
	var ops []numerator.OperationType
	for _, r := range ranges {
		if _, seen := byOp[r.OperationType]; !seen {
			ops = append(ops, r.OperationType)
		}
		byOp[r.OperationType] = append(byOp[r.OperationType], r)
	}

	var sets []numerator.RangeSet
	for _, op := range ops {
		current, err := s.readRanges(ctx, op)
		if err != nil {
			return nil, err
		}

		write := numerator.RangeSet{OperationType: op, Version: current.Version}
		for _, r := range byOp[op] {
			if existing, ok := current.Find(r.Location); ok {
				if existing == r {
					continue
				}
				write.Retired = append(write.Retired, existing)
			}
			write.Ranges = append(write.Ranges, r)
		}
		if len(write.Ranges) == 0 {
			continue
		}
		if err := validateDisjoint(current, write); err != nil {
			return nil, err
		}
		sets = append(sets, write)
	}

	if len(sets) == 0 {
		return nil, nil
	}
	if err := s.store.WriteRanges(ctx, sets...); err != nil {
		return nil, storeErr("write_ranges", err)
	}
	return sets, nil
}

// DeleteRanges removes every range, retired block and cursor.
// The caller guarantees that no live document depends on them.
//
// Every key lock is held for the duration, so an in-process issuance that
// already read a range cannot write its cursor after the delete.
func (s *Service) DeleteRanges(ctx context.Context) error {
	unlock := s.locks.Exclusive()
	defer unlock()

	if err := s.store.DeleteRanges(ctx); err != nil {
		return storeErr("delete_ranges", err)
	}
	for _, op := range numerator.AllOperationTypes() {
		s.logAudit(ctx, numerator.AuditActionDelete, op, map[string]any{"all": true})
	}
	logger.Warn(ctx, "all number ranges deleted")
	return nil
}

// Ranges returns the range set of op.
func (s *Service) Ranges(ctx context.Context, op numerator.OperationType) (numerator.RangeSet, error) {
	if err := validateOperationType(op); err != nil {
		return numerator.RangeSet{}, err
	}
	set, err := s.readRanges(ctx, op)
	if err != nil {
		return numerator.RangeSet{}, err
	}
	numerator.SortRanges(set.Ranges)
	numerator.SortRanges(set.Retired)
	return set, nil
}

func (s *Service) validateIncoming(ranges []numerator.NumberRange) error {
	seen := make(map[numerator.Key]struct{}, len(ranges))
	for _, r := range ranges {
		if err := validateOperationType(r.OperationType); err != nil {
			return err
		}
		if _, dup := seen[r.Key()]; dup {
			return apperror.NewValidation("duplicate range for key").WithDetail("key", r.Key().String())
		}
		seen[r.Key()] = struct{}{}

		if r.Location < 0 || r.StartNumber < 0 || r.Size <= 0 {
			return apperror.NewValidation("invalid range").WithDetail("range", r.String())
		}
		if r.StartNumber > s.cfg.MaxNumber()-r.Size+1 {
			return apperror.NewValidation("range exceeds number width").
				WithDetail("range", r.String()).
				WithDetail("max_number", s.cfg.MaxNumber())
		}
	}
	return nil
}

// validateDisjoint checks that the set resulting from applying write to current
// has pairwise disjoint blocks, counting retired blocks as occupied.
func validateDisjoint(current, write numerator.RangeSet) error {
	replaced := make(map[numerator.LocationID]struct{}, len(write.Ranges))
	for _, r := range write.Ranges {
		replaced[r.Location] = struct{}{}
	}

	all := make([]numerator.NumberRange, 0, len(current.Ranges)+len(current.Retired)+len(write.Ranges)+len(write.Retired))
	for _, r := range current.Ranges {
		if _, ok := replaced[r.Location]; !ok {
			all = append(all, r)
		}
	}
	all = append(all, current.Retired...)
	all = append(all, write.Ranges...)
	all = append(all, write.Retired...)
	numerator.SortRanges(all)

	if len(all) == 0 {
		return nil
	}
	// widest is the block reaching furthest so far, so nested blocks are caught too.
	widest := all[0]
	for _, r := range all[1:] {
		if r.Overlaps(widest) {
			return apperror.NewAllocationInvariantViolation(r.String(), widest.String()).
				WithDetail("operation_type", string(write.OperationType))
		}
		if r.End() > widest.End() {
			widest = r
		}
	}
	return nil
}

func uniqueLocations(locations []numerator.LocationID) []numerator.LocationID {
	seen := make(map[numerator.LocationID]struct{}, len(locations))
	out := make([]numerator.LocationID, 0, len(locations))
	for _, loc := range locations {
		if _, dup := seen[loc]; dup {
			continue
		}
		seen[loc] = struct{}{}
		out = append(out, loc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func uniqueOperationTypes(ops []numerator.OperationType) ([]numerator.OperationType, error) {
	seen := make(map[numerator.OperationType]struct{}, len(ops))
	out := make([]numerator.OperationType, 0, len(ops))
	for _, op := range ops {
		if err := validateOperationType(op); err != nil {
			return nil, err
		}
		if _, dup := seen[op]; dup {
			continue
		}
		seen[op] = struct{}{}
		out = append(out, op)
	}
	return out, nil
}
