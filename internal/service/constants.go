package service

import "errors"

// Health status constants
const (
	HealthStatusHealthy   = "healthy"
	HealthStatusUnhealthy = "unhealthy"
)

// Storage keys
const (
	DocumentSlotKey = "documents:current"
)

// Validation error messages
const (
	ErrKeyRequired        = "key is required"
	ErrKeyTooLong         = "key must be at most %d bytes"
	ErrDocumentTooLarge   = "document exceeds %d bytes"
	ErrDocumentNotPresent = "no document stored"
)

// MaxKeyLength bounds client identities accepted by the limiter.
const MaxKeyLength = 256

// Custom error types
var (
	ErrInvalidKey = errors.New("invalid key")
	ErrNotFound   = errors.New(ErrDocumentNotPresent)
	ErrTooLarge   = errors.New("document too large")
)
