package limiter

import (
	"context"
	"math"
	"time"
)

// Result is the outcome of a single check against a key's window.
type Result struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	ResetAt   time.Time
}

// RetryAfter returns the whole seconds a rejected caller should wait, never less than one.
func (r Result) RetryAfter(now time.Time) int {
	secs := int(math.Ceil(r.ResetAt.Sub(now).Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// RateLimiter defines the interface for rate limiting algorithms.
//
// Error Handling Behavior (Fail-Closed): when the backing store fails, Check
// returns a Result with Allowed=false together with the error.
type RateLimiter interface {
	// Check counts one request for key and reports whether it is allowed.
	// Calls for the same key are linearized; calls for different keys run in parallel.
	Check(ctx context.Context, key string) (Result, error)

	// Reset clears the state for a specific key.
	Reset(ctx context.Context, key string) error

	// Close performs cleanup when the rate limiter is no longer needed.
	Close() error
}
