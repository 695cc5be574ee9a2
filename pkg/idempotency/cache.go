// Package idempotency provides the processed-key caches engines consult
// before the authoritative store lookup. The cache is an accelerator, not
// a correctness mechanism: a miss falls through to the event store, so
// bounded or expiring caches are safe.
package idempotency

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Cache records scoped idempotency keys that have been processed.
type Cache interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string) error
}

// MemoryOption configures a Memory cache.
type MemoryOption func(*Memory)

// WithTTL expires entries after d. Zero means no expiry.
func WithTTL(d time.Duration) MemoryOption {
	return func(m *Memory) { m.ttl = d }
}

// WithMaxEntries bounds the cache; the oldest entry is evicted first.
// Zero means unbounded.
func WithMaxEntries(n int) MemoryOption {
	return func(m *Memory) { m.maxEntries = n }
}

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) MemoryOption {
	return func(m *Memory) { m.clock = clock }
}

// Memory is a mutex-guarded in-process key cache with optional TTL and
// size bound. It is the engine default.
type Memory struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List // front = oldest
	ttl        time.Duration
	maxEntries int
	clock      func() time.Time
}

type memoryEntry struct {
	key      string
	markedAt time.Time
}

// NewMemory returns an in-process cache.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Seen(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.entries[key]
	if !ok {
		return false, nil
	}
	if m.ttl > 0 {
		entry := el.Value.(*memoryEntry)
		if m.clock().Sub(entry.markedAt) > m.ttl {
			m.order.Remove(el)
			delete(m.entries, key)
			return false, nil
		}
	}
	return true, nil
}

func (m *Memory) Mark(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.entries[key]; ok {
		el.Value.(*memoryEntry).markedAt = m.clock()
		m.order.MoveToBack(el)
		return nil
	}

	m.entries[key] = m.order.PushBack(&memoryEntry{key: key, markedAt: m.clock()})

	if m.maxEntries > 0 && m.order.Len() > m.maxEntries {
		oldest := m.order.Front()
		if oldest != nil {
			m.order.Remove(oldest)
			delete(m.entries, oldest.Value.(*memoryEntry).key)
		}
	}
	return nil
}

// Len reports the number of live entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}
