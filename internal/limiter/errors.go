package limiter

import (
	"errors"
	"fmt"
)

// ErrRateLimitExceeded is returned when a key has exhausted its window.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// RateLimitError carries the rejected Result so callers can surface ResetAt.
type RateLimitError struct {
	Key    string
	Result Result
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %q until %s", e.Key, e.Result.ResetAt.UTC().Format("15:04:05.000"))
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimitExceeded
}

// AsRateLimitError extracts the RateLimitError from err, if any.
func AsRateLimitError(err error) (*RateLimitError, bool) {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle, true
	}
	return nil, false
}
