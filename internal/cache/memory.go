package cache

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store using sync.Map
type MemoryStore struct {
	data            sync.Map
	maxSize         int
	cleanupInterval time.Duration
	stopCh          chan struct{}
	closeOnce       sync.Once
}

type memoryEntry struct {
	value     []byte
	storedAt  time.Time
	expiresAt time.Time
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore(maxSize int, cleanupInterval time.Duration) *MemoryStore {
	m := &MemoryStore{
		maxSize:         maxSize,
		cleanupInterval: cleanupInterval,
		stopCh:          make(chan struct{}),
	}
	go m.cleanupLoop()
	return m
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, ok := m.data.Load(key)
	if !ok {
		return nil, false, nil
	}
	entry := val.(*memoryEntry)
	if expired(entry.expiresAt, time.Now()) {
		m.data.Delete(key)
		return nil, false, nil
	}
	return bytes.Clone(entry.value), true, nil
}

func (m *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.data.Store(key, &memoryEntry{
		value:     bytes.Clone(value),
		storedAt:  time.Now(),
		expiresAt: expiry(ttl),
	})
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.data.Delete(key)
	return nil
}

func (m *MemoryStore) GetMultiple(ctx context.Context, keys []string) (map[string][]byte, error) {
	result := make(map[string][]byte)
	for _, key := range keys {
		if v, ok, _ := m.Get(ctx, key); ok {
			result[key] = v
		}
	}
	return result, nil
}

func (m *MemoryStore) SetMultiple(ctx context.Context, items map[string][]byte, ttl time.Duration) error {
	for key, value := range items {
		_ = m.Set(ctx, key, value, ttl)
	}
	return nil
}

func (m *MemoryStore) Close() error {
	m.closeOnce.Do(func() { close(m.stopCh) })
	return nil
}

func (m *MemoryStore) cleanupLoop() {
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.cleanup()
		}
	}
}

func (m *MemoryStore) cleanup() {
	now := time.Now()
	type keyAge struct {
		key      string
		storedAt time.Time
	}
	var entries []keyAge

	m.data.Range(func(key, value interface{}) bool {
		k := key.(string)
		entry := value.(*memoryEntry)
		if expired(entry.expiresAt, now) {
			m.data.Delete(k)
		} else {
			entries = append(entries, keyAge{k, entry.storedAt})
		}
		return true
	})

	// Enforce max size by removing the oldest writes
	if len(entries) > m.maxSize {
		sort.Slice(entries, func(i, j int) bool {
			return entries[i].storedAt.Before(entries[j].storedAt)
		})
		for _, e := range entries[:len(entries)-m.maxSize] {
			m.data.Delete(e.key)
		}
	}
}
