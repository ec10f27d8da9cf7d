// Package context provides request-scoped values extraction.
package context

import (
	"context"
)

// Caller identifies who invoked an operation: a location node or an administrator.
type Caller struct {
	Subject string
	// Location is set for location nodes; administrators act on every location.
	Location    int64
	HasLocation bool
	IsAdmin     bool
	TokenID     string
}

type callerContextKey struct{}

// WithCaller adds Caller to context.
func WithCaller(ctx context.Context, caller *Caller) context.Context {
	return context.WithValue(ctx, callerContextKey{}, caller)
}

// GetCaller returns Caller from context.
func GetCaller(ctx context.Context) *Caller {
	if v, ok := ctx.Value(callerContextKey{}).(*Caller); ok {
		return v
	}
	return nil
}

// GetSubject returns the caller subject or empty string.
func GetSubject(ctx context.Context) string {
	if c := GetCaller(ctx); c != nil {
		return c.Subject
	}
	return ""
}

// IsAdmin reports whether the caller may administer ranges.
func IsAdmin(ctx context.Context) bool {
	c := GetCaller(ctx)
	return c != nil && c.IsAdmin
}

// CanIssueFor reports whether the caller may request numbers for location.
// Administrators and callers without a location binding may issue for any location.
func CanIssueFor(ctx context.Context, location int64) bool {
	c := GetCaller(ctx)
	if c == nil {
		return false
	}
	if c.IsAdmin || !c.HasLocation {
		return true
	}
	return c.Location == location
}
