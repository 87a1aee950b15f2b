package storage

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store interface using in-memory storage
type MemoryStore struct {
	mu       sync.RWMutex
	data     map[string]*StorageValue
	stopChan chan struct{}
	stopOnce sync.Once
}

// StorageValue represents a value with expiration
type StorageValue struct {
	value      string
	expiration time.Time
}

func (v *StorageValue) expired(now time.Time) bool {
	return !v.expiration.IsZero() && !now.Before(v.expiration)
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	ms := &MemoryStore{
		data:     make(map[string]*StorageValue),
		stopChan: make(chan struct{}),
	}

	// Start a goroutine to clean up expired keys
	go ms.cleanupExpiredKeys()

	return ms
}

// cleanupExpiredKeys periodically removes expired keys
func (ms *MemoryStore) cleanupExpiredKeys() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ms.removeExpiredKeys()
		case <-ms.stopChan:
			return
		}
	}
}

// removeExpiredKeys removes all expired keys from storage
func (ms *MemoryStore) removeExpiredKeys() {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := time.Now()
	for key, val := range ms.data {
		if val.expired(now) {
			delete(ms.data, key)
		}
	}
}

// Get retrieves the current value for the given key
func (ms *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}

	ms.mu.RLock()
	defer ms.mu.RUnlock()

	val, exists := ms.data[key]
	if !exists || val.expired(time.Now()) {
		return "", false, nil
	}

	return val.value, true, nil
}

// Set sets the value for the given key with expiration
func (ms *MemoryStore) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	sv := &StorageValue{value: value}
	if expiration > 0 {
		sv.expiration = time.Now().Add(expiration)
	}
	ms.data[key] = sv

	return nil
}

// Delete removes the key from storage
func (ms *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	delete(ms.data, key)

	return nil
}

// Len reports the number of stored keys, expired or not.
func (ms *MemoryStore) Len() int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.data)
}

// Ping checks if the storage is accessible
func (ms *MemoryStore) Ping(ctx context.Context) error {
	// In-memory storage is always accessible
	return nil
}

// Close stops the cleanup goroutine
func (ms *MemoryStore) Close() error {
	ms.stopOnce.Do(func() { close(ms.stopChan) })
	return nil
}
