// Package numbering implements per-location document number ranges:
// allocation, issuance, usage monitoring and renumbering.
//
// Service owns the per-key exclusion for issuance and renumbering. Cross-process
// safety comes from the store: cursors are written with compare-and-swap and
// range sets carry an optimistic version.
package numbering

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"docnum/internal/core/apperror"
	"docnum/internal/core/numerator"
	"docnum/pkg/logger"
)

var tracer = otel.Tracer("docnum/numbering")

// Service is the allocation service. Create it once per process and share it.
type Service struct {
	store  numerator.Store
	cfg    numerator.Config
	policy numerator.ExhaustionPolicy
	audit  numerator.AuditLog
	locks  *keyLocks
}

// ServiceConfig configures the numbering service.
type ServiceConfig struct {
	Store     numerator.Store
	Numbering numerator.Config

	// Policy overrides the policy derived from Numbering (optional).
	Policy numerator.ExhaustionPolicy

	// Audit receives every range change (optional).
	Audit numerator.AuditLog
}

// NewService creates a new numbering service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("numbering: store is required")
	}
	if err := cfg.Numbering.Validate(); err != nil {
		return nil, fmt.Errorf("numbering: %w", err)
	}

	policy := cfg.Policy
	if policy == nil {
		p, err := numerator.PolicyFromConfig(cfg.Numbering)
		if err != nil {
			return nil, fmt.Errorf("numbering: %w", err)
		}
		policy = p
	}

	return &Service{
		store:  cfg.Store,
		cfg:    cfg.Numbering,
		policy: policy,
		audit:  cfg.Audit,
		locks:  newKeyLocks(),
	}, nil
}

// Config returns the numbering configuration in use.
func (s *Service) Config() numerator.Config {
	return s.cfg
}

// AllocateNumber returns the permanent number for a new document.
// Document creators call it exactly once per document.
func (s *Service) AllocateNumber(ctx context.Context, loc numerator.LocationID, op numerator.OperationType) (int64, error) {
	return s.IssueNext(ctx, loc, op)
}

// Ping checks the store when it supports it.
func (s *Service) Ping(ctx context.Context) error {
	if p, ok := s.store.(numerator.Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return apperror.NewPersistenceUnavailable("ping", err)
		}
	}
	return nil
}

// withRetry runs fn again after optimistic conflicts, at most MaxRetries times.
// fn must re-read everything it validates.
func (s *Service) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		err = fn()
		if err == nil || !apperror.IsConcurrentModification(err) {
			return err
		}
		logger.Debug(ctx, "optimistic conflict, retrying",
			"operation", op,
			"attempt", attempt+1,
		)
	}
	return err
}

// storeErr maps raw store failures to PersistenceUnavailable and keeps AppErrors.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if apperror.IsAppError(err) {
		return err
	}
	return apperror.NewPersistenceUnavailable(op, err)
}

func (s *Service) readRanges(ctx context.Context, op numerator.OperationType) (numerator.RangeSet, error) {
	set, err := s.store.ReadRanges(ctx, op)
	if err != nil {
		return numerator.RangeSet{}, storeErr("read_ranges", err)
	}
	return set, nil
}

func (s *Service) readCursor(ctx context.Context, key numerator.Key) (numerator.Cursor, bool, error) {
	cur, found, err := s.store.ReadCursor(ctx, key)
	if err != nil {
		return numerator.Cursor{}, false, storeErr("read_cursor", err)
	}
	return cur, found, nil
}

// position returns the last issued number and used count of cursor within r.
// A cursor outside r belongs to a previous block and counts as nothing issued.
func position(r numerator.NumberRange, cur numerator.Cursor, found bool) (lastUsed, used int64) {
	if found && cur.LastUsed >= r.StartNumber && cur.LastUsed < r.End() {
		return cur.LastUsed, cur.Used
	}
	return r.StartNumber - 1, 0
}

func (s *Service) logAudit(ctx context.Context, action numerator.AuditAction, op numerator.OperationType, changes map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.LogRangeChange(ctx, action, op, changes); err != nil {
		logger.Warn(ctx, "range audit failed",
			"action", action,
			"operation_type", op,
			"error", err,
		)
	}
}

func validateOperationType(op numerator.OperationType) error {
	if !op.Valid() {
		return apperror.NewValidation("unknown operation type").WithDetail("operation_type", string(op))
	}
	return nil
}

func startSpan(ctx context.Context, name string, key numerator.Key) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("numbering.operation_type", string(key.OperationType)),
		attribute.Int64("numbering.location", int64(key.Location)),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
