package numerator

import (
	"context"
)

// MockStore is a test implementation of Store.
// Every call goes to the matching Func when set, otherwise to Inner.
// Use in unit tests to inject failures or interleave concurrent writers.
type MockStore struct {
	Inner Store

	ReadRangesFunc   func(ctx context.Context, op OperationType) (RangeSet, error)
	WriteRangesFunc  func(ctx context.Context, sets ...RangeSet) error
	ReadCursorFunc   func(ctx context.Context, key Key) (Cursor, bool, error)
	WriteCursorFunc  func(ctx context.Context, key Key, next Cursor, expectedPriorLastUsed *int64) error
	DeleteRangesFunc func(ctx context.Context) error
}

// ReadRanges implements Store.
func (m *MockStore) ReadRanges(ctx context.Context, op OperationType) (RangeSet, error) {
	if m.ReadRangesFunc != nil {
		return m.ReadRangesFunc(ctx, op)
	}
	return m.Inner.ReadRanges(ctx, op)
}

// WriteRanges implements Store.
func (m *MockStore) WriteRanges(ctx context.Context, sets ...RangeSet) error {
	if m.WriteRangesFunc != nil {
		return m.WriteRangesFunc(ctx, sets...)
	}
	return m.Inner.WriteRanges(ctx, sets...)
}

// ReadCursor implements Store.
func (m *MockStore) ReadCursor(ctx context.Context, key Key) (Cursor, bool, error) {
	if m.ReadCursorFunc != nil {
		return m.ReadCursorFunc(ctx, key)
	}
	return m.Inner.ReadCursor(ctx, key)
}

// WriteCursor implements Store.
func (m *MockStore) WriteCursor(ctx context.Context, key Key, next Cursor, expectedPriorLastUsed *int64) error {
	if m.WriteCursorFunc != nil {
		return m.WriteCursorFunc(ctx, key, next, expectedPriorLastUsed)
	}
	return m.Inner.WriteCursor(ctx, key, next, expectedPriorLastUsed)
}

// DeleteRanges implements Store.
func (m *MockStore) DeleteRanges(ctx context.Context) error {
	if m.DeleteRangesFunc != nil {
		return m.DeleteRangesFunc(ctx)
	}
	return m.Inner.DeleteRanges(ctx)
}

// Ensure compile-time interface compliance.
var _ Store = (*MockStore)(nil)
