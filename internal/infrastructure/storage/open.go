// Package storage selects and opens the configured numerator.Store backend.
package storage

import (
	"context"
	"fmt"

	"docnum/internal/config"
	"docnum/internal/core/idempotency"
	"docnum/internal/core/numerator"
	"docnum/internal/infrastructure/storage/memory"
	"docnum/internal/infrastructure/storage/postgres"
	"docnum/internal/infrastructure/storage/redis"
	"docnum/internal/infrastructure/storage/sqlite"
	"docnum/pkg/logger"
)

// Backend is an opened store with its optional audit log.
type Backend struct {
	Driver string
	Store  numerator.Store
	// Audit is nil when auditing is disabled.
	Audit numerator.AuditLog
	// Idempotency replays responses of retried requests. The sqlite driver
	// keeps keys in memory.
	Idempotency idempotency.Store
	// Pool is set for the postgres driver only.
	Pool *postgres.Pool

	closers []func()
}

// Close releases connections held by the backend.
func (b *Backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

// Open opens the backend named by cfg.StoreDriver.
func Open(ctx context.Context, cfg *config.Config) (*Backend, error) {
	b := &Backend{Driver: cfg.StoreDriver}

	switch cfg.StoreDriver {
	case config.DriverMemory:
		b.Store = memory.New()
		b.Idempotency = memory.NewIdempotencyStore(cfg.IdempotencyTTL)
		if cfg.AuditEnabled {
			b.Audit = memory.NewAuditLog()
		}

	case config.DriverPostgres:
		poolCfg := postgres.DefaultPoolConfig(cfg.DatabaseURL)
		if cfg.DBMaxConns > 0 {
			poolCfg.MaxConns = cfg.DBMaxConns
		}
		pool, err := postgres.NewPool(ctx, poolCfg)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, pool.Close)
		b.Pool = pool

		if cfg.AutoMigrate {
			if err := postgres.Migrate(ctx, pool); err != nil {
				b.Close()
				return nil, err
			}
		}
		b.Store = postgres.NewStore(pool)
		b.Idempotency = postgres.NewIdempotencyStore(pool, cfg.IdempotencyTTL)
		if cfg.AuditEnabled {
			audit, err := postgres.NewAuditLog(pool)
			if err != nil {
				b.Close()
				return nil, err
			}
			b.Audit = audit
		}

	case config.DriverSQLite:
		s, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func() { _ = s.Close() })
		b.Store = s
		b.Idempotency = memory.NewIdempotencyStore(cfg.IdempotencyTTL)

	case config.DriverRedis:
		rdb, err := redis.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func() { _ = rdb.Close() })
		b.Store = redis.NewStore(rdb, cfg.RedisPrefix)
		b.Idempotency = redis.NewIdempotencyStore(rdb, cfg.RedisPrefix, cfg.IdempotencyTTL)

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}

	logger.Info(ctx, "store opened", "driver", b.Driver, "audit", b.Audit != nil)
	return b, nil
}
