package cache

import (
	"context"
	"sort"
	"strings"
	"sync"
)

type memoryNamespace struct {
	id      uint64
	sealed  bool
	entries map[string]Snapshot
}

// MemoryStore keeps namespaces in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	nextID uint64
	spaces map[string]*memoryNamespace
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{spaces: make(map[string]*memoryNamespace)}
}

func (m *MemoryStore) Open(ctx context.Context, name string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}
	if err := validName(name); err != nil {
		return Handle{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ns, ok := m.spaces[name]
	if !ok {
		m.nextID++
		ns = &memoryNamespace{id: m.nextID, entries: make(map[string]Snapshot)}
		m.spaces[name] = ns
	}
	return Handle{Name: name, id: ns.id}, nil
}

func (m *MemoryStore) Put(ctx context.Context, h Handle, key string, snap Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ns, ok := m.spaces[h.Name]
	if !ok || ns.id != h.id {
		return ErrNamespaceDeleted
	}
	ns.entries[key] = snap.Clone()
	return nil
}

func (m *MemoryStore) Match(ctx context.Context, h Handle, key string) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	ns, ok := m.spaces[h.Name]
	if !ok || ns.id != h.id {
		return Snapshot{}, ErrNotFound
	}
	snap, ok := ns.entries[key]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return snap.Clone(), nil
}

func (m *MemoryStore) Keys(ctx context.Context, h Handle) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	ns, ok := m.spaces[h.Name]
	if !ok || ns.id != h.id {
		return nil, nil
	}
	keys := make([]string, 0, len(ns.entries))
	for k := range ns.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryStore) Seal(ctx context.Context, h Handle) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ns, ok := m.spaces[h.Name]
	if !ok || ns.id != h.id {
		return ErrNamespaceDeleted
	}
	ns.sealed = true
	return nil
}

func (m *MemoryStore) Sealed(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	ns, ok := m.spaces[name]
	return ok && ns.sealed, nil
}

func (m *MemoryStore) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.spaces[name]
	delete(m.spaces, name)
	return ok, nil
}

func (m *MemoryStore) ListNamespaces(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	type named struct {
		name string
		id   uint64
	}
	var found []named
	for name, ns := range m.spaces {
		if strings.HasPrefix(name, prefix) {
			found = append(found, named{name, ns.id})
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].id < found[j].id })

	names := make([]string, len(found))
	for i, n := range found {
		names[i] = n.name
	}
	return names, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
