package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"intent-code-pipeline/internal/domain/model"
	"intent-code-pipeline/internal/infra/metrics"
)

// evictionSample bounds how many LRU-end entries are inspected when
// choosing a cost-aware victim.
const evictionSample = 8

type memoryEntry struct {
	fingerprint string
	rec         *model.CallRecord
	expiresAt   time.Time
}

// MemoryTier is the in-process tier: a small LRU with per-entry TTL.
// Eviction is cost-aware: among the least-recently-used entries, the
// cheapest one goes first, so expensive results linger.
type MemoryTier struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	order    *list.List
	items    map[string]*list.Element
	now      func() time.Time
}

func NewMemoryTier(capacity int, ttl time.Duration) *MemoryTier {
	if capacity <= 0 {
		capacity = 1
	}
	return &MemoryTier{
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		items:    make(map[string]*list.Element, capacity),
		now:      time.Now,
	}
}

func (m *MemoryTier) Name() string { return "memory" }

func (m *MemoryTier) Get(_ context.Context, fingerprint string) (*model.CallRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.items[fingerprint]
	if !ok {
		return nil, false, nil
	}
	entry := el.Value.(*memoryEntry)
	if m.now().After(entry.expiresAt) {
		m.remove(el)
		return nil, false, nil
	}
	m.order.MoveToFront(el)
	return entry.rec, true, nil
}

func (m *MemoryTier) Put(_ context.Context, fingerprint string, rec *model.CallRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.items[fingerprint]; ok {
		entry := el.Value.(*memoryEntry)
		entry.rec = rec
		entry.expiresAt = m.now().Add(m.ttl)
		m.order.MoveToFront(el)
		return nil
	}

	for m.order.Len() >= m.capacity {
		m.evictOne()
	}

	el := m.order.PushFront(&memoryEntry{
		fingerprint: fingerprint,
		rec:         rec,
		expiresAt:   m.now().Add(m.ttl),
	})
	m.items[fingerprint] = el
	return nil
}

// Len reports the current number of entries, expired ones included.
func (m *MemoryTier) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}

// evictOne drops the cheapest entry among the last evictionSample
// positions of the LRU order. Caller holds the lock.
func (m *MemoryTier) evictOne() {
	victim := m.order.Back()
	if victim == nil {
		return
	}
	candidate := victim
	for i := 0; i < evictionSample && candidate != nil; i++ {
		ce := candidate.Value.(*memoryEntry)
		ve := victim.Value.(*memoryEntry)
		if m.now().After(ce.expiresAt) {
			victim = candidate
			break
		}
		if ce.rec.CostMicros < ve.rec.CostMicros {
			victim = candidate
		}
		candidate = candidate.Prev()
	}
	m.remove(victim)
	metrics.IncCacheEviction("memory")
}

func (m *MemoryTier) remove(el *list.Element) {
	entry := el.Value.(*memoryEntry)
	delete(m.items, entry.fingerprint)
	m.order.Remove(el)
}
