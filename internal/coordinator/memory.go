package coordinator

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     int64
	expiresAt time.Time // zero means no expiry
}

// MemoryCounter is a process-local Counter for single-instance deployments.
type MemoryCounter struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time
}

// NewMemoryCounter creates an empty MemoryCounter. A nil now uses time.Now.
func NewMemoryCounter(now func() time.Time) *MemoryCounter {
	if now == nil {
		now = time.Now
	}
	return &MemoryCounter{entries: make(map[string]*memoryEntry), now: now}
}

func (m *MemoryCounter) liveLocked(key string) *memoryEntry {
	e, ok := m.entries[key]
	if !ok {
		return nil
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		delete(m.entries, key)
		return nil
	}
	return e
}

// Incr implements Counter.
func (m *MemoryCounter) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.liveLocked(key)
	if e == nil {
		e = &memoryEntry{}
		m.entries[key] = e
	}
	e.value++
	return e.value, nil
}

// Expire implements Counter. It is a no-op for missing keys.
func (m *MemoryCounter) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e := m.liveLocked(key); e != nil {
		e.expiresAt = m.now().Add(ttl)
	}
	return nil
}

// Get implements Counter.
func (m *MemoryCounter) Get(_ context.Context, key string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.liveLocked(key)
	if e == nil {
		return 0, false, nil
	}
	return e.value, true, nil
}
