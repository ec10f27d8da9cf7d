package numerator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatNumber(t *testing.T) {
	assert.Equal(t, "SALE-000000000123", FormatNumber(OperationSale, 123, 12))
	assert.Equal(t, "WASTE-00042", FormatNumber(OperationWaste, 42, 0))
	assert.Equal(t, "RETURN-1234567", FormatNumber(OperationReturn, 1234567, 3))
}

func TestParseNumber(t *testing.T) {
	op, n, err := ParseNumber("SALE-000000000123")
	require.NoError(t, err)
	assert.Equal(t, OperationSale, op)
	assert.Equal(t, int64(123), n)

	op, n, err = ParseNumber(FormatNumber(OperationInventory, 7, 6))
	require.NoError(t, err)
	assert.Equal(t, OperationInventory, op)
	assert.Equal(t, int64(7), n)

	for _, bad := range []string{"", "SALE", "GIFT-0001", "SALE-x1", "SALE--1"} {
		_, _, err := ParseNumber(bad)
		assert.Error(t, err, bad)
	}
}
