// Package memstore is the in-process session-context cache: a bounded LRU
// with an optional JSON snapshot so a restart does not start cold.
package memstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/caredirect/medrank/pkg/medrank/session"
)

const defaultCapacity = 4096

// Store is a bounded in-memory session-context cache.
type Store struct {
	mu           sync.Mutex
	cache        *lru.Cache[string, session.Context]
	snapshotPath string
}

// snapshot is the on-disk shape. Eviction order is not preserved across
// restarts; only the surviving entries are.
type snapshot struct {
	Contexts map[string]session.Context `json:"contexts"`
}

// New creates a cache holding at most capacity entries. capacity <= 0
// selects the default.
func New(capacity int) (*Store, error) {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	c, err := lru.New[string, session.Context](capacity)
	if err != nil {
		return nil, fmt.Errorf("memstore: %w", err)
	}
	return &Store{cache: c}, nil
}

// NewWithSnapshot creates a cache that loads path on startup and writes it
// back on Close. A missing snapshot file is not an error.
func NewWithSnapshot(capacity int, path string) (*Store, error) {
	s, err := New(capacity)
	if err != nil {
		return nil, err
	}
	s.snapshotPath = path
	if err := s.load(path); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load(path string) error {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("memstore: read snapshot: %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return fmt.Errorf("memstore: parse snapshot %s: %w", path, err)
	}
	for key, sc := range snap.Contexts {
		s.cache.Add(key, sc)
	}
	return nil
}

// Get returns the cached context for key.
func (s *Store) Get(ctx context.Context, key string) (session.Context, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.cache.Get(key)
	return sc, ok, nil
}

// Put stores the context for key, evicting the least recently used entry
// when full.
func (s *Store) Put(ctx context.Context, key string, sc session.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Add(key, sc)
	return nil
}

// Len reports the number of cached contexts.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len()
}

// Close writes the snapshot when a snapshot path was configured.
func (s *Store) Close() error {
	if s.snapshotPath == "" {
		return nil
	}
	return s.Snapshot(s.snapshotPath)
}

// Snapshot writes all cached contexts to path atomically.
func (s *Store) Snapshot(path string) error {
	s.mu.Lock()
	snap := snapshot{Contexts: make(map[string]session.Context, s.cache.Len())}
	for _, key := range s.cache.Keys() {
		if sc, ok := s.cache.Peek(key); ok {
			snap.Contexts[key] = sc
		}
	}
	s.mu.Unlock()

	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("memstore: encode snapshot: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("memstore: %w", err)
	}
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("memstore: write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("memstore: write snapshot: %w", err)
	}
	return nil
}
