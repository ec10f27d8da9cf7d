package redis

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"docnum/internal/core/idempotency"
	"docnum/internal/core/numerator"
)

func rng(loc numerator.LocationID, start, size int64) numerator.NumberRange {
	return numerator.NumberRange{OperationType: numerator.OperationSale, Location: loc, StartNumber: start, Size: size}
}

func TestMerge(t *testing.T) {
	stored := numerator.RangeSet{
		OperationType: numerator.OperationSale,
		Version:       3,
		Ranges:        []numerator.NumberRange{rng(1, 0, 10), rng(2, 10, 10)},
		Retired:       []numerator.NumberRange{rng(3, 40, 10)},
	}
	write := numerator.RangeSet{
		OperationType: numerator.OperationSale,
		Version:       3,
		Ranges:        []numerator.NumberRange{rng(1, 50, 10), rng(4, 60, 10)},
		Retired:       []numerator.NumberRange{rng(1, 0, 10)},
	}

	got := merge(stored, write)

	assert.Equal(t, int64(4), got.Version)
	assert.Equal(t, []numerator.NumberRange{rng(2, 10, 10), rng(1, 50, 10), rng(4, 60, 10)}, got.Ranges)
	assert.Equal(t, []numerator.NumberRange{rng(1, 0, 10), rng(3, 40, 10)}, got.Retired)
}

func TestMerge_RetiredBlockNotActive(t *testing.T) {
	stored := numerator.RangeSet{
		OperationType: numerator.OperationSale,
		Ranges:        []numerator.NumberRange{rng(1, 20, 10)},
	}
	write := numerator.RangeSet{
		OperationType: numerator.OperationSale,
		Retired:       []numerator.NumberRange{rng(1, 0, 10)},
	}

	got := merge(stored, write)

	assert.Equal(t, []numerator.NumberRange{rng(1, 20, 10)}, got.Ranges)
	assert.Equal(t, []numerator.NumberRange{rng(1, 0, 10)}, got.Retired)
}

func TestKeys(t *testing.T) {
	s := NewStore(nil, "")
	assert.Equal(t, "docnum:ranges:sale", s.setKey(numerator.OperationSale))
	assert.Equal(t, "docnum:cursor:waste:42", s.cursorKey(numerator.NewKey(42, numerator.OperationWaste)))

	s = NewStore(nil, "site7:")
	assert.Equal(t, "site7:ranges:sale", s.setKey(numerator.OperationSale))
}

func TestIdempotencyKey(t *testing.T) {
	s := NewIdempotencyStore(nil, "", 0)
	assert.Equal(t, "docnum:idem:abc", s.redisKey("abc"))
	assert.Equal(t, idempotency.DefaultTTL, s.ttl)
}
