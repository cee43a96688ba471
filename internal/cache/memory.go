package cache

import (
	"context"
	"sync"
	"time"
)

// Memory is a process-local TTL cache for gateway payment-status payloads.
// It is best-effort noise reduction, not a correctness-critical lock: the
// webhook processor explicitly invalidates entries on every state change and
// the TTL bounds staleness when invalidation is missed.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

type memoryEntry struct {
	payload   []byte
	expiresAt time.Time
}

// NewMemory creates a memory cache with the given TTL
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the cached payload for key, if present and not expired
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if m.now().After(entry.expiresAt) {
		delete(m.entries, key)
		return nil, false
	}
	return entry.payload, true
}

// Put stores a payload under key for the cache TTL
func (m *Memory) Put(_ context.Context, key string, payload []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.prune()
	m.entries[key] = memoryEntry{
		payload:   payload,
		expiresAt: m.now().Add(m.ttl),
	}
}

// Invalidate drops the entry for key
func (m *Memory) Invalidate(_ context.Context, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}

// prune drops expired entries. Called under the lock on writes so the map
// does not grow unbounded between reads.
func (m *Memory) prune() {
	now := m.now()
	for key, entry := range m.entries {
		if now.After(entry.expiresAt) {
			delete(m.entries, key)
		}
	}
}
