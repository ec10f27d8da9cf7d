package memory

import (
	"context"
	"sync"
	"time"

	"docnum/internal/core/numerator"
)

// AuditEntry is one recorded range change.
type AuditEntry struct {
	Action        numerator.AuditAction
	OperationType numerator.OperationType
	Changes       map[string]any
	CreatedAt     time.Time
}

// AuditLog keeps range changes in memory.
type AuditLog struct {
	mu      sync.Mutex
	entries []AuditEntry
}

var _ numerator.AuditLog = (*AuditLog)(nil)

// NewAuditLog creates an empty audit log.
func NewAuditLog() *AuditLog {
	return &AuditLog{}
}

// LogRangeChange implements numerator.AuditLog.
func (a *AuditLog) LogRangeChange(_ context.Context, action numerator.AuditAction, op numerator.OperationType, changes map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.entries = append(a.entries, AuditEntry{
		Action:        action,
		OperationType: op,
		Changes:       changes,
		CreatedAt:     time.Now().UTC(),
	})
	return nil
}

// Entries returns a copy of recorded entries, oldest first.
func (a *AuditLog) Entries() []AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]AuditEntry, len(a.entries))
	copy(out, a.entries)
	return out
}
