package cache

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	seq              last namespace id
//	ns:<name>        namespace marker, big-endian id
//	done:<name>      seal marker, big-endian id of the sealed namespace
//	e:<name>\x00<k>  gob-encoded Snapshot
var (
	seqKey          = []byte("seq")
	namespacePrefix = []byte("ns:")
	sealPrefix      = []byte("done:")
	entryPrefix     = []byte("e:")
)

// LevelStore persists namespaces in a LevelDB directory so cached content
// survives restarts.
type LevelStore struct {
	db *leveldb.DB

	mu     sync.RWMutex
	nextID uint64
	spaces map[string]uint64
}

// OpenLevelStore opens or creates the database at path.
func OpenLevelStore(path string) (*LevelStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	s := &LevelStore{db: db, spaces: make(map[string]uint64)}
	if err := s.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *LevelStore) loadIndex() error {
	if b, err := s.db.Get(seqKey, nil); err == nil && len(b) == 8 {
		s.nextID = binary.BigEndian.Uint64(b)
	} else if err != nil && !errors.Is(err, leveldb.ErrNotFound) {
		return fmt.Errorf("load namespace sequence: %w", err)
	}

	it := s.db.NewIterator(util.BytesPrefix(namespacePrefix), nil)
	defer it.Release()

	for it.Next() {
		if len(it.Value()) != 8 {
			continue
		}
		name := string(bytes.TrimPrefix(it.Key(), namespacePrefix))
		id := binary.BigEndian.Uint64(it.Value())
		s.spaces[name] = id
		if id > s.nextID {
			s.nextID = id
		}
	}
	if err := it.Error(); err != nil {
		return fmt.Errorf("load namespaces: %w", err)
	}
	return nil
}

func markerKey(name string) []byte {
	return append(bytes.Clone(namespacePrefix), name...)
}

func sealKey(name string) []byte {
	return append(bytes.Clone(sealPrefix), name...)
}

func entriesPrefix(name string) []byte {
	b := append(bytes.Clone(entryPrefix), name...)
	return append(b, 0)
}

func entryKey(name, key string) []byte {
	return append(entriesPrefix(name), key...)
}

func (s *LevelStore) Open(ctx context.Context, name string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}
	if err := validName(name); err != nil {
		return Handle{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.spaces[name]; ok {
		return Handle{Name: name, id: id}, nil
	}

	id := s.nextID + 1
	idBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(idBytes, id)

	batch := new(leveldb.Batch)
	batch.Put(seqKey, idBytes)
	batch.Put(markerKey(name), idBytes)
	if err := s.db.Write(batch, nil); err != nil {
		return Handle{}, fmt.Errorf("create namespace %s: %w", name, err)
	}

	s.nextID = id
	s.spaces[name] = id
	return Handle{Name: name, id: id}, nil
}

func (s *LevelStore) live(h Handle) bool {
	id, ok := s.spaces[h.Name]
	return ok && id == h.id
}

func (s *LevelStore) Put(ctx context.Context, h Handle, key string, snap Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b, err := encodeGob(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	// Delete takes the write lock, so a namespace cannot vanish mid-put.
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.live(h) {
		return ErrNamespaceDeleted
	}
	if err := s.db.Put(entryKey(h.Name, key), b, nil); err != nil {
		return fmt.Errorf("put %s in %s: %w", key, h.Name, err)
	}
	return nil
}

func (s *LevelStore) Match(ctx context.Context, h Handle, key string) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.live(h) {
		return Snapshot{}, ErrNotFound
	}

	b, err := s.db.Get(entryKey(h.Name, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("get %s from %s: %w", key, h.Name, err)
	}

	var snap Snapshot
	if err := decodeGob(b, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

func (s *LevelStore) Keys(ctx context.Context, h Handle) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.live(h) {
		return nil, nil
	}

	prefix := entriesPrefix(h.Name)
	it := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var keys []string
	for it.Next() {
		keys = append(keys, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("list keys of %s: %w", h.Name, err)
	}
	return keys, nil
}

func (s *LevelStore) Seal(ctx context.Context, h Handle) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.live(h) {
		return ErrNamespaceDeleted
	}
	idBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(idBytes, h.id)
	if err := s.db.Put(sealKey(h.Name), idBytes, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("seal %s: %w", h.Name, err)
	}
	return nil
}

func (s *LevelStore) Sealed(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.spaces[name]
	if !ok {
		return false, nil
	}
	b, err := s.db.Get(sealKey(name), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read seal of %s: %w", name, err)
	}
	// A marker left by an earlier namespace of the same name does not count.
	return len(b) == 8 && binary.BigEndian.Uint64(b) == id, nil
}

func (s *LevelStore) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.spaces[name]; !ok {
		return false, nil
	}

	batch := new(leveldb.Batch)
	batch.Delete(markerKey(name))
	batch.Delete(sealKey(name))

	it := s.db.NewIterator(util.BytesPrefix(entriesPrefix(name)), nil)
	for it.Next() {
		batch.Delete(bytes.Clone(it.Key()))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, fmt.Errorf("scan namespace %s: %w", name, err)
	}

	if err := s.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("delete namespace %s: %w", name, err)
	}
	delete(s.spaces, name)
	return true, nil
}

func (s *LevelStore) ListNamespaces(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var names []string
	for name := range s.spaces {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Slice(names, func(i, j int) bool { return s.spaces[names[i]] < s.spaces[names[j]] })
	return names, nil
}

func (s *LevelStore) Close() error {
	return s.db.Close()
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
