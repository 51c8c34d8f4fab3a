package idempotency

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	rec       Record
	expiresAt time.Time
}

// MemoryBackend keeps records in process memory. Used when Redis is not
// configured; results do not survive a restart.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (m *MemoryBackend) getLocked(key string) (*Record, bool) {
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if m.now().After(e.expiresAt) {
		delete(m.entries, key)
		return nil, false
	}
	rec := e.rec
	return &rec, true
}

func (m *MemoryBackend) Get(ctx context.Context, key string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, _ := m.getLocked(key)
	return rec, nil
}

func (m *MemoryBackend) Lock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.getLocked(key); exists {
		return false, nil
	}
	now := m.now()
	m.entries[key] = memoryEntry{
		rec:       Record{State: StateLocked, CreatedAt: now},
		expiresAt: now.Add(ttl),
	}
	return true, nil
}

func (m *MemoryBackend) Store(ctx context.Context, key string, resp *Response, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.entries[key] = memoryEntry{
		rec:       Record{State: StateResult, Response: resp, CreatedAt: now},
		expiresAt: now.Add(ttl),
	}
	return nil
}

func (m *MemoryBackend) Unlock(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok && e.rec.State == StateLocked {
		delete(m.entries, key)
	}
	return nil
}
