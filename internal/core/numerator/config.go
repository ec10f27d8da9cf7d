package numerator

import (
	"fmt"
	"math"
)

// Config holds range allocation configuration.
type Config struct {
	// MinimalSize is the fallback block size used when the recommended size
	// does not fit into the number budget.
	MinimalSize int64

	// RecommendedSize is the preferred block size per (location, operation type).
	RecommendedSize int64

	// WarnThreshold is the usage ratio at which a range counts as near exhaustion.
	WarnThreshold float64

	// BaseOffset is the first number of the first block of every operation type.
	BaseOffset int64

	// NumberWidth is the maximum number of decimal digits of an issued number.
	NumberWidth int

	// MaxRetries bounds optimistic retries after a concurrent modification.
	MaxRetries int

	// ExhaustionRule is an optional CEL expression replacing the plain threshold.
	// Variables: ratio, remaining, used, size, operation, location.
	ExhaustionRule string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MinimalSize:     10_000,
		RecommendedSize: 1_000_000,
		WarnThreshold:   0.9,
		BaseOffset:      0,
		NumberWidth:     12,
		MaxRetries:      5,
	}
}

// UnboundedMaxNumber caps the number space when NumberWidth sets no limit.
// It is one below MaxInt64 so that End of the last possible block still fits.
const UnboundedMaxNumber = math.MaxInt64 - 1

// MaxNumber is the largest number representable within NumberWidth digits.
func (c Config) MaxNumber() int64 {
	if c.NumberWidth <= 0 || c.NumberWidth >= 19 {
		return UnboundedMaxNumber
	}
	return int64(math.Pow10(c.NumberWidth)) - 1
}

// Validate checks configuration consistency.
func (c Config) Validate() error {
	if c.MinimalSize <= 0 {
		return fmt.Errorf("minimal size must be positive, got %d", c.MinimalSize)
	}
	if c.RecommendedSize < c.MinimalSize {
		return fmt.Errorf("recommended size %d is below minimal size %d", c.RecommendedSize, c.MinimalSize)
	}
	if c.WarnThreshold <= 0 || c.WarnThreshold > 1 {
		return fmt.Errorf("warn threshold must be in (0,1], got %v", c.WarnThreshold)
	}
	if c.BaseOffset < 0 {
		return fmt.Errorf("base offset must not be negative, got %d", c.BaseOffset)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative, got %d", c.MaxRetries)
	}
	return nil
}

// BlockSizeReason explains which branch of ChooseBlockSize was taken.
type BlockSizeReason string

const (
	BlockSizeRecommended BlockSizeReason = "recommended"
	BlockSizeMinimal     BlockSizeReason = "number_budget"
)

// ChooseBlockSize picks the block size for count consecutive blocks starting at BaseOffset.
// The recommended size wins when base+count*recommended-1 <= MaxNumber; otherwise the
// minimal size is used when it fits. ok is false when neither fits.
func (c Config) ChooseBlockSize(count int, minimalSize, recommendedSize int64) (size int64, reason BlockSizeReason, ok bool) {
	if count <= 0 {
		return recommendedSize, BlockSizeRecommended, true
	}
	if c.fits(count, recommendedSize) {
		return recommendedSize, BlockSizeRecommended, true
	}
	if c.fits(count, minimalSize) {
		return minimalSize, BlockSizeMinimal, true
	}
	return 0, "", false
}

func (c Config) fits(count int, size int64) bool {
	if size <= 0 {
		return false
	}
	// free is the distance from BaseOffset to MaxNumber; the last block must
	// start within free-(size-1) of the base.
	free := c.MaxNumber() - c.BaseOffset
	if free < 0 || size-1 > free {
		return false
	}
	return int64(count)-1 <= (free-(size-1))/size
}
