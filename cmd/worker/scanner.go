package main

import (
	"context"
	"time"

	"docnum/internal/core/numerator"
	"docnum/pkg/logger"
)

// Monitor is the part of numbering.Service the worker needs.
type Monitor interface {
	NearExhaustion(ctx context.Context) ([]numerator.Usage, error)
	RenumberNearExhausted(ctx context.Context) ([]numerator.NumberRange, error)
}

// Scanner checks range usage on every tick.
type Scanner struct {
	monitor      Monitor
	autoRenumber bool
	log          *logger.Logger

	afterScan func(ctx context.Context)
}

// NewScanner creates a scanner. With autoRenumber unset it only logs warnings.
func NewScanner(monitor Monitor, autoRenumber bool, log *logger.Logger) *Scanner {
	return &Scanner{
		monitor:      monitor,
		autoRenumber: autoRenumber,
		log:          log.WithComponent("scanner"),
	}
}

// Run scans immediately and then every interval until ctx is done.
func (s *Scanner) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.scanLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scanLogged(ctx)
		}
	}
}

func (s *Scanner) scanLogged(ctx context.Context) {
	if _, err := s.Scan(ctx); err != nil && ctx.Err() == nil {
		s.log.Errorw("range scan failed", "error", err)
	}
	if s.afterScan != nil {
		s.afterScan(ctx)
	}
}

// Scan runs one pass and returns the ranges that were moved to new blocks.
func (s *Scanner) Scan(ctx context.Context) ([]numerator.NumberRange, error) {
	if s.autoRenumber {
		moved, err := s.monitor.RenumberNearExhausted(ctx)
		for _, r := range moved {
			s.log.Infow("range renumbered", "key", r.Key().String(), "range", r.String())
		}
		return moved, err
	}

	flagged, err := s.monitor.NearExhaustion(ctx)
	if err != nil {
		return nil, err
	}
	for _, u := range flagged {
		s.log.Warnw("range near exhaustion",
			"key", u.Key.String(),
			"range", u.Range.String(),
			"description", u.Description,
			"remaining", u.Remaining,
		)
	}
	return nil, nil
}
