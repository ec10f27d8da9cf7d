package numerator

import (
	"fmt"
	"strconv"
	"strings"
)

// defaultPadWidth is used when NumberWidth is unbounded.
const defaultPadWidth = 5

// Prefix returns the printed prefix of an operation type, e.g. "SALE".
func (op OperationType) Prefix() string {
	return strings.ToUpper(string(op))
}

// FormatNumber renders an issued number as PREFIX-000123, padded to width digits.
func FormatNumber(op OperationType, n int64, width int) string {
	if width <= 0 || width >= 19 {
		width = defaultPadWidth
	}
	return fmt.Sprintf("%s-%0*d", op.Prefix(), width, n)
}

// ParseNumber extracts the operation type and number from a formatted number.
func ParseNumber(formatted string) (OperationType, int64, error) {
	prefix, digits, ok := strings.Cut(formatted, "-")
	if !ok {
		return "", 0, fmt.Errorf("malformed document number %q", formatted)
	}
	op, err := ParseOperationType(prefix)
	if err != nil {
		return "", 0, err
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || n < 0 {
		return "", 0, fmt.Errorf("malformed document number %q", formatted)
	}
	return op, n, nil
}
