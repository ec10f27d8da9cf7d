package numerator

import (
	"context"
)

// Store is the persistence contract for ranges and cursors.
// This is the domain contract - implementations live in infrastructure layer.
//
// Implementations must return an apperror with CodeConcurrentModification
// when an optimistic check fails. Any other error is treated as the store
// being unavailable.
type Store interface {
	// ReadRanges returns the active and retired ranges of op together with the set version.
	// An operation type that was never written has version 0 and no ranges.
	ReadRanges(ctx context.Context, op OperationType) (RangeSet, error)

	// WriteRanges upserts every set's Ranges by key and appends its Retired blocks.
	// All sets are written atomically and only if each stored version equals
	// set.Version; on success every version is incremented by one.
	WriteRanges(ctx context.Context, sets ...RangeSet) error

	// ReadCursor returns the cursor of key. found is false if none was written yet.
	ReadCursor(ctx context.Context, key Key) (cur Cursor, found bool, err error)

	// WriteCursor stores next if the stored LastUsed equals *expectedPriorLastUsed.
	// A nil expectation means the cursor must not exist yet.
	WriteCursor(ctx context.Context, key Key, next Cursor, expectedPriorLastUsed *int64) error

	// DeleteRanges removes all ranges, retired blocks and cursors.
	DeleteRanges(ctx context.Context) error
}

// Pinger is implemented by stores that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// AuditAction represents the type of audited range change.
type AuditAction string

const (
	AuditActionCreate   AuditAction = "create"
	AuditActionUpdate   AuditAction = "update"
	AuditActionRenumber AuditAction = "renumber"
	AuditActionDelete   AuditAction = "delete"
)

// AuditLog records range changes for operators. Implementations must not fail
// the change they describe; errors are only logged by callers.
type AuditLog interface {
	LogRangeChange(ctx context.Context, action AuditAction, op OperationType, changes map[string]any) error
}
