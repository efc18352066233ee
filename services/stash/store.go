// Package stash persists the hub's authority trees, one record per node name.
//
// Records are JSON, optionally sealed with XChaCha20-Poly1305 so a stolen
// data directory doesn't leak node configuration. Where the bytes live is a
// Backend: memory for tests and ephemeral hubs, pebble for everything else.
package stash

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/eljojo/hubsync/state"
	"github.com/eljojo/hubsync/utilities"
)

const treePrefix = "tree/"

// Record is one node's persisted authority tree.
type Record struct {
	Name    string                `json:"name"`
	SavedAt time.Time             `json:"saved_at"`
	Modules []state.ModulePayload `json:"modules"`
}

// Backend is a flat key/value store.
type Backend interface {
	Get(key string) (value []byte, found bool, err error)
	Put(key string, value []byte) error
	Delete(key string) error
	Keys(prefix string) ([]string, error)
	Close() error
}

// Store reads and writes Records on a Backend.
type Store struct {
	backend   Backend
	encryptor *utilities.Encryptor // nil stores plaintext
}

// NewStore wraps backend. A nil encryptor stores records unsealed.
func NewStore(backend Backend, encryptor *utilities.Encryptor) *Store {
	return &Store{backend: backend, encryptor: encryptor}
}

// Load returns the record for name; found is false if none was saved.
func (s *Store) Load(name string) (rec Record, found bool, err error) {
	raw, found, err := s.backend.Get(treePrefix + name)
	if err != nil || !found {
		return Record{}, found, err
	}
	if s.encryptor != nil {
		if raw, err = s.encryptor.OpenBlob(raw); err != nil {
			return Record{}, true, fmt.Errorf("open %s: %w", name, err)
		}
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, true, fmt.Errorf("decode %s: %w", name, err)
	}
	return rec, true, nil
}

// Save writes rec under rec.Name.
func (s *Store) Save(rec Record) error {
	if rec.Name == "" {
		return errors.New("record without a name")
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode %s: %w", rec.Name, err)
	}
	if s.encryptor != nil {
		if raw, err = s.encryptor.SealBlob(raw); err != nil {
			return fmt.Errorf("seal %s: %w", rec.Name, err)
		}
	}
	return s.backend.Put(treePrefix+rec.Name, raw)
}

func (s *Store) Delete(name string) error {
	return s.backend.Delete(treePrefix + name)
}

// Names lists every stored node name, sorted.
func (s *Store) Names() ([]string, error) {
	keys, err := s.backend.Keys(treePrefix)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = strings.TrimPrefix(k, treePrefix)
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) Close() error {
	return s.backend.Close()
}

// MemoryBackend keeps everything in a map.
type MemoryBackend struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string][]byte)}
}

func (m *MemoryBackend) Get(key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *MemoryBackend) Put(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryBackend) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemoryBackend) Keys(prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryBackend) Close() error { return nil }
