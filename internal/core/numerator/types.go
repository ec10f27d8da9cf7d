// Package numerator provides domain contracts for per-location document number ranges.
// Implementations of Store live in infrastructure layer.
package numerator

import (
	"fmt"
	"sort"
	"strings"
)

// OperationType identifies the kind of document a number is issued for.
// The set is closed; it partitions ranges together with the location.
type OperationType string

const (
	OperationSale      OperationType = "sale"
	OperationPurchase  OperationType = "purchase"
	OperationWaste     OperationType = "waste"
	OperationTransfer  OperationType = "transfer"
	OperationReturn    OperationType = "return"
	OperationInventory OperationType = "inventory"
)

var allOperationTypes = []OperationType{
	OperationSale,
	OperationPurchase,
	OperationWaste,
	OperationTransfer,
	OperationReturn,
	OperationInventory,
}

// AllOperationTypes returns every known operation type in a stable order.
func AllOperationTypes() []OperationType {
	out := make([]OperationType, len(allOperationTypes))
	copy(out, allOperationTypes)
	return out
}

// Valid reports whether op belongs to the closed set.
func (op OperationType) Valid() bool {
	for _, known := range allOperationTypes {
		if op == known {
			return true
		}
	}
	return false
}

// ParseOperationType converts user input (case-insensitive) to OperationType.
func ParseOperationType(s string) (OperationType, error) {
	op := OperationType(strings.ToLower(strings.TrimSpace(s)))
	if !op.Valid() {
		return "", fmt.Errorf("unknown operation type %q", s)
	}
	return op, nil
}

// LocationID identifies a site allowed to issue numbers independently.
type LocationID int64

// Key is the partitioning key of ranges and cursors.
type Key struct {
	OperationType OperationType `json:"operationType"`
	Location      LocationID    `json:"location"`
}

// NewKey builds a Key.
func NewKey(loc LocationID, op OperationType) Key {
	return Key{OperationType: op, Location: loc}
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d", k.OperationType, k.Location)
}

// NumberRange is the block [StartNumber, StartNumber+Size) reserved for one key.
// Size is fixed when the block is created.
type NumberRange struct {
	OperationType OperationType `json:"operationType" db:"operation_type"`
	Location      LocationID    `json:"location" db:"location_id"`
	StartNumber   int64         `json:"startNumber" db:"start_number"`
	Size          int64         `json:"size" db:"block_size"`
}

// Key returns the partitioning key of the range.
func (r NumberRange) Key() Key {
	return Key{OperationType: r.OperationType, Location: r.Location}
}

// End returns the first number after the block.
func (r NumberRange) End() int64 {
	return r.StartNumber + r.Size
}

// Last returns the highest number inside the block.
func (r NumberRange) Last() int64 {
	return r.End() - 1
}

// Contains reports whether n lies inside the block.
func (r NumberRange) Contains(n int64) bool {
	return n >= r.StartNumber && n < r.End()
}

// Overlaps reports whether both blocks share at least one number.
func (r NumberRange) Overlaps(other NumberRange) bool {
	return r.StartNumber < other.End() && other.StartNumber < r.End()
}

func (r NumberRange) String() string {
	return fmt.Sprintf("%s[%d,%d)", r.Key(), r.StartNumber, r.End())
}

// RangeSet is the full state of one operation type as seen by a single read.
// Version is the optimistic concurrency token of the set.
type RangeSet struct {
	OperationType OperationType `json:"operationType"`
	Version       int64         `json:"version"`
	Ranges        []NumberRange `json:"ranges"`
	// Retired blocks were replaced by renumbering. Documents still carry their
	// numbers, so they stay reserved until an administrative delete.
	Retired []NumberRange `json:"retired,omitempty"`
}

// Find returns the active range of a location.
func (s RangeSet) Find(loc LocationID) (NumberRange, bool) {
	for _, r := range s.Ranges {
		if r.Location == loc {
			return r, true
		}
	}
	return NumberRange{}, false
}

// Occupied returns active and retired blocks sorted by StartNumber.
func (s RangeSet) Occupied() []NumberRange {
	out := make([]NumberRange, 0, len(s.Ranges)+len(s.Retired))
	out = append(out, s.Ranges...)
	out = append(out, s.Retired...)
	SortRanges(out)
	return out
}

// MaxEnd returns the highest End() over active and retired blocks, or def when empty.
func (s RangeSet) MaxEnd(def int64) int64 {
	maxEnd := def
	for _, r := range s.Occupied() {
		if r.End() > maxEnd {
			maxEnd = r.End()
		}
	}
	return maxEnd
}

// SortRanges orders ranges by StartNumber, then location.
func SortRanges(rs []NumberRange) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].StartNumber != rs[j].StartNumber {
			return rs[i].StartNumber < rs[j].StartNumber
		}
		return rs[i].Location < rs[j].Location
	})
}

// Cursor is the issuance state of one key.
type Cursor struct {
	LastUsed int64 `json:"lastUsed" db:"last_used"`
	Used     int64 `json:"used" db:"used_count"`
}

// Usage is the derived utilization of one active range.
type Usage struct {
	Key            Key         `json:"key"`
	Range          NumberRange `json:"range"`
	LastUsed       int64       `json:"lastUsed"`
	Used           int64       `json:"used"`
	Ratio          float64     `json:"ratio"`
	Remaining      int64       `json:"remaining"`
	Description    string      `json:"description"`
	NearExhaustion bool        `json:"nearExhaustion"`
}
