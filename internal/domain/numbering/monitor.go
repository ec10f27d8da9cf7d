package numbering

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"docnum/internal/core/apperror"
	"docnum/internal/core/numerator"
)

var hundred = decimal.NewFromInt(100)

// ComputeUsage returns the usage of every active range, ordered by operation type then start.
func (s *Service) ComputeUsage(ctx context.Context) ([]numerator.Usage, error) {
	var out []numerator.Usage
	for _, op := range numerator.AllOperationTypes() {
		set, err := s.readRanges(ctx, op)
		if err != nil {
			return nil, err
		}
		numerator.SortRanges(set.Ranges)

		for _, r := range set.Ranges {
			u, err := s.usageOf(ctx, r)
			if err != nil {
				return nil, err
			}
			out = append(out, u)
		}
	}
	return out, nil
}

// UsageOf returns the usage of the active range of (loc, op).
func (s *Service) UsageOf(ctx context.Context, loc numerator.LocationID, op numerator.OperationType) (numerator.Usage, error) {
	if err := validateOperationType(op); err != nil {
		return numerator.Usage{}, err
	}
	set, err := s.readRanges(ctx, op)
	if err != nil {
		return numerator.Usage{}, err
	}
	r, ok := set.Find(loc)
	if !ok {
		return numerator.Usage{}, apperror.NewRangeNotAllocated(numerator.NewKey(loc, op).String())
	}
	return s.usageOf(ctx, r)
}

// UsageStarts returns the smallest active StartNumber per operation type.
// Types without ranges are absent from the result.
func (s *Service) UsageStarts(ctx context.Context) (map[numerator.OperationType]int64, error) {
	out := make(map[numerator.OperationType]int64)
	for _, op := range numerator.AllOperationTypes() {
		set, err := s.readRanges(ctx, op)
		if err != nil {
			return nil, err
		}
		for _, r := range set.Ranges {
			if start, ok := out[op]; !ok || r.StartNumber < start {
				out[op] = r.StartNumber
			}
		}
	}
	return out, nil
}

// NearExhaustion returns the usages the exhaustion policy flags.
func (s *Service) NearExhaustion(ctx context.Context) ([]numerator.Usage, error) {
	all, err := s.ComputeUsage(ctx)
	if err != nil {
		return nil, err
	}
	var out []numerator.Usage
	for _, u := range all {
		if u.NearExhaustion {
			out = append(out, u)
		}
	}
	return out, nil
}

func (s *Service) usageOf(ctx context.Context, r numerator.NumberRange) (numerator.Usage, error) {
	cur, found, err := s.readCursor(ctx, r.Key())
	if err != nil {
		return numerator.Usage{}, err
	}
	lastUsed, used := position(r, cur, found)

	consumed := lastUsed - r.StartNumber + 1
	ratio := decimal.NewFromInt(consumed).Div(decimal.NewFromInt(r.Size))
	ratioF, _ := ratio.Float64()

	u := numerator.Usage{
		Key:         r.Key(),
		Range:       r,
		LastUsed:    lastUsed,
		Used:        used,
		Ratio:       ratioF,
		Remaining:   r.Last() - lastUsed,
		Description: describe(ratio),
	}

	near, err := s.policy.NearExhaustion(u)
	if err != nil {
		return numerator.Usage{}, fmt.Errorf("evaluate exhaustion policy for %s: %w", r.Key(), err)
	}
	u.NearExhaustion = near
	return u, nil
}

// describe renders ratio as a floored whole percent, e.g. "73% of range used".
func describe(ratio decimal.Decimal) string {
	return fmt.Sprintf("%s%% of range used", ratio.Mul(hundred).Floor().String())
}
