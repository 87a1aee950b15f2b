package limiter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mohammadhprp/offgrid/internal/storage"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// failingStore fails every call once broken is set.
type failingStore struct {
	*storage.MemoryStore
	broken atomic.Bool
	sets   atomic.Int64
}

func (f *failingStore) Get(ctx context.Context, key string) (string, bool, error) {
	if f.broken.Load() {
		return "", false, storage.ErrUnavailable
	}
	return f.MemoryStore.Get(ctx, key)
}

func (f *failingStore) Set(ctx context.Context, key, value string, expiration time.Duration) error {
	f.sets.Add(1)
	if f.broken.Load() {
		return storage.ErrUnavailable
	}
	return f.MemoryStore.Set(ctx, key, value, expiration)
}

func newTestLogger(t *testing.T) *zap.Logger {
	t.Helper()
	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return logger
}

func TestFixedWindowCheck_ExhaustsAfterLimit(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()

	clock := newFakeClock()
	start := clock.Now()
	lim := NewFixedWindow(store, 10, time.Minute, newTestLogger(t), WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		res, err := lim.Check(ctx, "1.2.3.4")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
		if want := int64(9 - i); res.Remaining != want {
			t.Errorf("request %d: remaining = %d, want %d", i+1, res.Remaining, want)
		}
		clock.Advance(time.Second)
	}

	res, err := lim.Check(ctx, "1.2.3.4")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Allowed {
		t.Fatal("11th request should be denied")
	}
	if res.Remaining != 0 {
		t.Errorf("remaining = %d, want 0", res.Remaining)
	}
	if want := start.Add(time.Minute); !res.ResetAt.Equal(want) {
		t.Errorf("resetAt = %v, want %v", res.ResetAt, want)
	}
}

func TestFixedWindowCheck_FreshWindowAfterReset(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()

	clock := newFakeClock()
	lim := NewFixedWindow(store, 3, time.Minute, newTestLogger(t), WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := lim.Check(ctx, "key"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	clock.Advance(time.Minute)

	res, err := lim.Check(ctx, "key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Allowed {
		t.Fatal("first request in new window should be allowed")
	}
	if res.Remaining != 2 {
		t.Errorf("remaining = %d, want 2 (fresh window, not merged)", res.Remaining)
	}
	if want := clock.Now().Add(time.Minute); !res.ResetAt.Equal(want) {
		t.Errorf("resetAt = %v, want %v", res.ResetAt, want)
	}
}

func TestFixedWindowCheck_KeysAreIsolated(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()

	lim := NewFixedWindow(store, 2, time.Minute, newTestLogger(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := lim.Check(ctx, "key1"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	res, err := lim.Check(ctx, "key2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Allowed || res.Remaining != 1 {
		t.Errorf("key2 = %+v, want allowed with remaining 1", res)
	}
}

func TestFixedWindowCheck_ConcurrentSameKey(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()

	const limit = 10
	lim := NewFixedWindow(store, limit, time.Minute, zap.NewNop())
	ctx := context.Background()

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := lim.Check(ctx, "hot")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if res.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := allowed.Load(); got != limit {
		t.Errorf("allowed = %d, want exactly %d", got, limit)
	}
	if n := lim.locks.size(); n != 0 {
		t.Errorf("lock table holds %d entries after all calls returned", n)
	}
}

func TestFixedWindowCheck_FailsClosedOnStorageError(t *testing.T) {
	store := &failingStore{MemoryStore: storage.NewMemoryStore()}
	defer store.Close()

	lim := NewFixedWindow(store, 5, time.Minute, zap.NewNop())
	ctx := context.Background()

	if _, err := lim.Check(ctx, "key"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	store.broken.Store(true)
	setsBefore := store.sets.Load()

	res, err := lim.Check(ctx, "key")
	if !errors.Is(err, storage.ErrUnavailable) {
		t.Fatalf("error = %v, want ErrUnavailable", err)
	}
	if res.Allowed {
		t.Error("storage failure must deny the request")
	}
	if store.sets.Load() != setsBefore {
		t.Error("no write may be attempted after a failed read")
	}

	store.broken.Store(false)
	res, err = lim.Check(ctx, "key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Remaining != 3 {
		t.Errorf("remaining = %d, want 3 (stored counter untouched by the failure)", res.Remaining)
	}
}

func TestFixedWindowCheck_CorruptStateStartsNewWindow(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()

	lim := NewFixedWindow(store, 5, time.Minute, zap.NewNop())
	ctx := context.Background()

	if err := store.Set(ctx, lim.stateKey("key"), "{not json", time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res, err := lim.Check(ctx, "key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Allowed || res.Remaining != 4 {
		t.Errorf("result = %+v, want allowed with remaining 4", res)
	}
}

func TestFixedWindowCheck_ZeroLimitDeniesAll(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()

	lim := NewFixedWindow(store, 0, time.Minute, zap.NewNop())

	res, err := lim.Check(context.Background(), "key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Allowed {
		t.Error("request should be denied when max_requests is 0")
	}
}

func TestFixedWindowReset(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()

	lim := NewFixedWindow(store, 1, time.Minute, zap.NewNop())
	ctx := context.Background()

	if _, err := lim.Check(ctx, "key"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res, _ := lim.Check(ctx, "key"); res.Allowed {
		t.Fatal("second request should be denied")
	}

	if err := lim.Reset(ctx, "key"); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}

	if res, _ := lim.Check(ctx, "key"); !res.Allowed {
		t.Error("request after reset should be allowed")
	}
}

func TestKeyLocks_ContextCancelled(t *testing.T) {
	locks := newKeyLocks()

	unlock, err := locks.lock(context.Background(), "k")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := locks.lock(ctx, "k"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want DeadlineExceeded", err)
	}

	// Another key is never blocked by a held key.
	other, err := locks.lock(context.Background(), "other")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	other()
	unlock()

	if n := locks.size(); n != 0 {
		t.Errorf("size = %d, want 0", n)
	}
}

func TestResultRetryAfter(t *testing.T) {
	now := time.Unix(1000, 0)
	tests := []struct {
		name    string
		resetAt time.Time
		want    int
	}{
		{"rounds up partial seconds", now.Add(1500 * time.Millisecond), 2},
		{"whole seconds", now.Add(30 * time.Second), 30},
		{"already passed", now.Add(-time.Second), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := (Result{ResetAt: tt.resetAt}).RetryAfter(now); got != tt.want {
				t.Errorf("RetryAfter() = %d, want %d", got, tt.want)
			}
		})
	}
}
