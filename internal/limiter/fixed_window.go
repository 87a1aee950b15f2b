package limiter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mohammadhprp/offgrid/internal/storage"
	"go.uber.org/zap"
)

// FixedWindow implements the Fixed Window (Counting) rate limiting algorithm.
//
// How it works:
// 1. The first request for a key opens a window of windowDuration starting now
// 2. Every allowed request in that window increments the counter
// 3. Once the counter reaches maxRequests further requests are rejected until the window closes
// 4. The first request at or after the window end replaces the counter with a fresh window
//
// Windows are never merged: an expired counter is discarded, not decremented.
//
// Every read-modify-write of one key runs under that key's lock, so concurrent
// requests for the same key cannot lose increments. Different keys never share a lock.
//
// Example: Allow 10 requests per minute
type FixedWindow struct {
	store          storage.Store
	maxRequests    int64
	windowDuration time.Duration
	logger         *zap.Logger
	locks          *keyLocks
	now            func() time.Time
}

// fixedWindowState represents the state of a fixed window rate limiter
type fixedWindowState struct {
	Count     int64 `json:"count"`      // Number of requests in current window
	WindowEnd int64 `json:"window_end"` // Unix nanosecond timestamp when window ends
}

// Option configures a FixedWindow.
type Option func(*FixedWindow)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(fw *FixedWindow) {
		fw.now = now
	}
}

// NewFixedWindow creates a new Fixed Window rate limiter.
//
// Parameters:
// - store: Backend storage (Redis, in-memory, etc.)
// - maxRequests: Maximum requests allowed per window
// - windowDuration: Duration of each window (e.g., 1 second, 1 minute)
// - logger: Logger instance for debugging
//
// Example: Allow 10 requests per minute
//
//	limiter := NewFixedWindow(store, 10, time.Minute, logger)
func NewFixedWindow(store storage.Store, maxRequests int64, windowDuration time.Duration, logger *zap.Logger, opts ...Option) *FixedWindow {
	if logger == nil {
		logger = zap.NewNop()
	}
	fw := &FixedWindow{
		store:          store,
		maxRequests:    maxRequests,
		windowDuration: windowDuration,
		logger:         logger,
		locks:          newKeyLocks(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(fw)
	}
	return fw
}

// Check counts one request for key under the fixed window algorithm.
func (fw *FixedWindow) Check(ctx context.Context, key string) (Result, error) {
	denied := Result{Allowed: false, Limit: fw.maxRequests}

	unlock, err := fw.locks.lock(ctx, key)
	if err != nil {
		return denied, fmt.Errorf("acquire window lock: %w", err)
	}
	defer unlock()

	stateKey := fw.stateKey(key)
	now := fw.now()

	stateStr, found, err := fw.store.Get(ctx, stateKey)
	if err != nil {
		fw.logger.Error("failed to get fixed window state", zap.String("key", key), zap.Error(err))
		return denied, fmt.Errorf("load fixed window state: %w", err)
	}

	var state fixedWindowState
	if found {
		if err := json.Unmarshal([]byte(stateStr), &state); err != nil {
			fw.logger.Warn("failed to parse fixed window state, reinitializing", zap.String("key", stateKey), zap.Error(err))
			found = false
		}
	}

	if !found || now.UnixNano() >= state.WindowEnd {
		// New window started
		state = fixedWindowState{
			Count:     1,
			WindowEnd: now.Add(fw.windowDuration).UnixNano(),
		}
	} else if state.Count >= fw.maxRequests {
		denied.ResetAt = time.Unix(0, state.WindowEnd)
		return denied, nil
	} else {
		state.Count++
	}

	if state.Count > fw.maxRequests {
		// Only reachable with a non-positive capacity.
		denied.ResetAt = time.Unix(0, state.WindowEnd)
		return denied, nil
	}

	if err := fw.save(ctx, stateKey, state, now); err != nil {
		fw.logger.Error("failed to set fixed window state", zap.String("key", key), zap.Error(err))
		return denied, err
	}

	return Result{
		Allowed:   true,
		Limit:     fw.maxRequests,
		Remaining: fw.maxRequests - state.Count,
		ResetAt:   time.Unix(0, state.WindowEnd),
	}, nil
}

func (fw *FixedWindow) save(ctx context.Context, stateKey string, state fixedWindowState, now time.Time) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal fixed window state: %w", err)
	}

	// Storage may evict the entry only after the window has closed.
	expiration := time.Unix(0, state.WindowEnd).Sub(now) + time.Second
	if expiration <= time.Second {
		expiration = fw.windowDuration + time.Second
	}

	if err := fw.store.Set(ctx, stateKey, string(stateJSON), expiration); err != nil {
		return fmt.Errorf("save fixed window state: %w", err)
	}
	return nil
}

// Reset clears the fixed window state for a specific key.
func (fw *FixedWindow) Reset(ctx context.Context, key string) error {
	unlock, err := fw.locks.lock(ctx, key)
	if err != nil {
		return fmt.Errorf("acquire window lock: %w", err)
	}
	defer unlock()

	if err := fw.store.Delete(ctx, fw.stateKey(key)); err != nil {
		fw.logger.Error("failed to reset fixed window state", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("reset fixed window state: %w", err)
	}
	return nil
}

// Close performs cleanup when the rate limiter is no longer needed.
func (fw *FixedWindow) Close() error {
	return nil
}

// stateKey generates a unique key for storing fixed window state
func (fw *FixedWindow) stateKey(key string) string {
	return fmt.Sprintf("limiter:fixed_window:%s", key)
}
