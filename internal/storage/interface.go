package storage

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable wraps every backend failure so callers can fail fast on it.
var ErrUnavailable = errors.New("storage unavailable")

// Store defines the interface for window counter storage backends.
// A Set replaces the whole value for a key in one write; readers never observe a partial value.
type Store interface {
	// Get retrieves the current value for the given key.
	// Missing or expired keys return ("", false, nil).
	Get(ctx context.Context, key string) (string, bool, error)

	// Set sets the value for the given key with expiration.
	// A zero expiration keeps the value until it is deleted.
	Set(ctx context.Context, key string, value string, expiration time.Duration) error

	// Delete removes the key from storage
	Delete(ctx context.Context, key string) error

	// Ping checks if the storage is accessible
	Ping(ctx context.Context) error

	// Close closes the storage connection
	Close() error
}
