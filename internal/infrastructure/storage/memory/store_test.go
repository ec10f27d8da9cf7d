package memory

import (
	"testing"

	"docnum/internal/core/numerator"
	"docnum/internal/core/numerator/storetest"
)

func TestStore_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) numerator.Store {
		return New()
	})
}
