package history

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

// MemoryStore is a thread-safe, in-process Store. Values are kept encoded so every
// Load returns an independent copy.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	opts    options
}

// Compile-time interface checks.
var (
	_ Store   = (*MemoryStore)(nil)
	_ Sweeper = (*MemoryStore)(nil)
)

// NewMemoryStore creates a new empty store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		opts:    buildOptions(opts),
	}
}

// Load returns the history stored for id, or false when absent or expired.
func (s *MemoryStore) Load(_ context.Context, id string) (History, bool, error) {
	s.mu.RLock()
	e, ok := s.entries[Key(s.opts.prefix, id)]
	s.mu.RUnlock()

	if !ok || !s.opts.now().Before(e.expiresAt) {
		return nil, false, nil
	}
	h, err := decode(e.data)
	if err != nil {
		return nil, false, storeError("decode", err)
	}
	return h, true, nil
}

// Save overwrites the entry for id.
func (s *MemoryStore) Save(_ context.Context, id string, h History, ttl time.Duration) error {
	data, err := encode(h)
	if err != nil {
		return storeError("encode", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[Key(s.opts.prefix, id)] = memoryEntry{data: data, expiresAt: s.opts.now().Add(ttl)}
	return nil
}

// Sweep drops entries expired at now.
func (s *MemoryStore) Sweep(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, k)
			n++
		}
	}
	return n, nil
}

// Len returns the number of entries, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *MemoryStore) Close() error { return nil }
