package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"docnum/internal/core/numerator"
	"docnum/internal/domain/numbering"
	"docnum/internal/infrastructure/storage/memory"
	"docnum/pkg/logger"
)

func newService(t *testing.T) (*numbering.Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	cfg := numerator.DefaultConfig()
	cfg.MinimalSize = 10
	cfg.RecommendedSize = 10
	svc, err := numbering.NewService(numbering.ServiceConfig{Store: store, Numbering: cfg})
	require.NoError(t, err)

	_, err = svc.CreateInitialRanges(context.Background(), []numerator.LocationID{1, 2},
		[]numerator.OperationType{numerator.OperationSale}, 10, 10)
	require.NoError(t, err)
	for i := 0; i < 9; i++ {
		_, err := svc.IssueNext(context.Background(), 1, numerator.OperationSale)
		require.NoError(t, err)
	}
	return svc, store
}

func observed() (*logger.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	return &logger.Logger{SugaredLogger: zap.New(core).Sugar()}, logs
}

func TestScanner_WarnOnly(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)
	log, logs := observed()

	moved, err := NewScanner(svc, false, log).Scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, moved)

	warnings := logs.FilterMessage("range near exhaustion").All()
	require.Len(t, warnings, 1)
	assert.Equal(t, "sale/1", warnings[0].ContextMap()["key"])

	set, err := store.ReadRanges(ctx, numerator.OperationSale)
	require.NoError(t, err)
	assert.Empty(t, set.Retired)
}

func TestScanner_AutoRenumber(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	log, logs := observed()

	moved, err := NewScanner(svc, true, log).Scan(ctx)
	require.NoError(t, err)
	require.Len(t, moved, 1)
	assert.Equal(t, int64(20), moved[0].StartNumber)
	assert.Equal(t, 1, logs.FilterMessage("range renumbered").Len())

	n, err := svc.IssueNext(ctx, 1, numerator.OperationSale)
	require.NoError(t, err)
	assert.Equal(t, int64(20), n)
}

func TestScanner_RunStopsOnCancel(t *testing.T) {
	svc, _ := newService(t)
	log, _ := observed()
	s := NewScanner(svc, false, log)

	scans := make(chan struct{}, 10)
	s.afterScan = func(context.Context) { scans <- struct{}{} }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	<-scans
	<-scans
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scanner did not stop")
	}
}
