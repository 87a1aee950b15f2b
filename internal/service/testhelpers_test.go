package service

import (
	"context"
	"testing"
	"time"

	"github.com/mohammadhprp/offgrid/internal/limiter"
	"github.com/mohammadhprp/offgrid/internal/metrics"
	"github.com/mohammadhprp/offgrid/internal/storage"
	"go.uber.org/zap"
)

// setupTest creates a memory store and a rate limit service for testing.
// It automatically handles logger syncing and store shutdown via cleanup.
func setupTest(t *testing.T, limit int64, window time.Duration) (store *storage.MemoryStore, svc *RateLimitService, cleanup func()) {
	t.Helper()

	store = storage.NewMemoryStore()
	logger, _ := zap.NewDevelopment()

	cleanup = func() {
		_ = logger.Sync()
		_ = store.Close()
	}

	lim := limiter.NewFixedWindow(store, limit, window, logger)
	svc = NewRateLimitService(lim, time.Second, metrics.Nop(), logger)
	return store, svc, cleanup
}

// brokenStore fails every operation.
type brokenStore struct{}

func (brokenStore) Get(context.Context, string) (string, bool, error) {
	return "", false, storage.ErrUnavailable
}

func (brokenStore) Set(context.Context, string, string, time.Duration) error {
	return storage.ErrUnavailable
}

func (brokenStore) Delete(context.Context, string) error {
	return storage.ErrUnavailable
}

func (brokenStore) Ping(context.Context) error {
	return storage.ErrUnavailable
}

func (brokenStore) Close() error {
	return nil
}

// slowStore blocks until the context is done.
type slowStore struct {
	brokenStore
}

func (slowStore) Get(ctx context.Context, _ string) (string, bool, error) {
	<-ctx.Done()
	return "", false, ctx.Err()
}
