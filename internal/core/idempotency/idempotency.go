// Package idempotency defines the contract for replaying responses of
// retried requests. A number issued for an idempotency key is never issued twice.
package idempotency

import (
	"context"
	"net/http"
	"time"

	"docnum/internal/core/apperror"
)

// Status represents the state of an idempotent operation.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
)

// StaleAfter is how long a pending key may be held before another request reclaims it.
const StaleAfter = time.Minute

// DefaultTTL is how long completed responses are kept for replay.
const DefaultTTL = 24 * time.Hour

// Record stores the state and result of an idempotent operation.
type Record struct {
	Key         string    `json:"key" db:"idempotency_key"`
	Subject     string    `json:"subject" db:"subject"`
	Operation   string    `json:"operation" db:"operation"`
	RequestHash string    `json:"requestHash" db:"request_hash"`
	Status      Status    `json:"status" db:"status"`
	StatusCode  int       `json:"statusCode" db:"response_status"`
	ContentType string    `json:"contentType" db:"response_content_type"`
	Response    []byte    `json:"response" db:"response"`
	CreatedAt   time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time `json:"updatedAt" db:"updated_at"`
}

// Replay is the cached HTTP response of a completed operation.
type Replay struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// Store persists idempotency keys.
type Store interface {
	// Acquire claims key. It returns (nil, nil) when the caller owns the key,
	// a Replay when the operation already completed, or an error.
	Acquire(ctx context.Context, key, subject, operation, requestHash string) (*Replay, error)

	// Complete stores the response of the owned key.
	Complete(ctx context.Context, key string, replay Replay) error

	// Release forgets the owned key so that the request can be retried.
	Release(ctx context.Context, key string) error
}

// Resolve decides what an Acquire that found rec must do.
// reclaim is true when rec is a pending key abandoned by a crashed request.
func Resolve(rec Record, subject, operation, requestHash string, now time.Time) (replay *Replay, reclaim bool, err error) {
	if rec.Subject != subject || rec.Operation != operation || rec.RequestHash != requestHash {
		return nil, false, apperror.NewIdempotencyMismatch(rec.Key).
			WithDetail("stored_operation", rec.Operation).
			WithDetail("request_operation", operation)
	}

	switch rec.Status {
	case StatusSuccess:
		return &Replay{
			StatusCode:  normalizeStatus(rec.StatusCode),
			ContentType: normalizeContentType(rec.ContentType),
			Body:        rec.Response,
		}, false, nil
	default:
		if now.Sub(rec.UpdatedAt) > StaleAfter {
			return nil, true, nil
		}
		return nil, false, apperror.NewIdempotencyConflict(rec.Key)
	}
}

func normalizeStatus(status int) int {
	if status == 0 {
		return http.StatusOK
	}
	return status
}

func normalizeContentType(ct string) string {
	if ct == "" {
		return "application/json"
	}
	return ct
}
