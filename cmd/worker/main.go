// Package main is the entry point for the docnum background worker.
// It periodically scans ranges for near exhaustion and, when AUTO_RENUMBER
// is set, moves flagged pairs to fresh blocks.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"docnum/internal/config"
	"docnum/internal/domain/numbering"
	"docnum/internal/infrastructure/storage"
	"docnum/internal/infrastructure/storage/postgres"
	"docnum/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:       cfg.LogLvl,
		Development: cfg.IsDevelopment(),
	})
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger.SetDefault(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Infow("starting docnum worker",
		"store_driver", cfg.StoreDriver,
		"interval", cfg.ScanInterval,
		"auto_renumber", cfg.AutoRenumber,
	)

	backend, err := storage.Open(ctx, cfg)
	if err != nil {
		log.Fatalw("failed to open store", "driver", cfg.StoreDriver, "error", err)
	}
	defer backend.Close()

	service, err := numbering.NewService(numbering.ServiceConfig{
		Store:     backend.Store,
		Numbering: cfg.Numbering(),
		Audit:     backend.Audit,
	})
	if err != nil {
		log.Fatalw("failed to create numbering service", "error", err)
	}

	scanner := NewScanner(service, cfg.AutoRenumber, log)
	if backend.Pool != nil {
		keys, _ := backend.Idempotency.(*postgres.IdempotencyStore)
		scanner.afterScan = func(ctx context.Context) {
			if keys != nil {
				if n, err := keys.CleanupExpired(ctx); err != nil {
					log.Warnw("idempotency cleanup failed", "error", err)
				} else if n > 0 {
					log.Infow("expired idempotency keys removed", "count", n)
				}
			}
			postgres.LogPoolStats(ctx, backend.Pool)
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner.Run(ctx, cfg.ScanInterval)
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down worker...")
	cancel()

	wg.Wait()
	log.Info("worker stopped")
}
