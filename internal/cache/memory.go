package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryCache implements an in-memory cache with TTL support
type MemoryCache struct {
	items    map[string]*memoryItem
	mu       sync.Mutex
	maxSize  int
	stopChan chan struct{}
	stopped  bool

	hits      int64
	misses    int64
	evictions int64
}

// memoryItem represents an item in memory cache
type memoryItem struct {
	value      []byte
	expiration time.Time
	accessed   time.Time
}

// MemoryCacheStats represents memory cache statistics
type MemoryCacheStats struct {
	ItemCount     int   `json:"item_count"`
	MaxSize       int   `json:"max_size"`
	HitCount      int64 `json:"hit_count"`
	MissCount     int64 `json:"miss_count"`
	EvictionCount int64 `json:"eviction_count"`
}

// NewMemoryCache creates a new memory cache
func NewMemoryCache(maxSize int) *MemoryCache {
	if maxSize <= 0 {
		maxSize = 10000 // Default max size
	}

	mc := &MemoryCache{
		items:    make(map[string]*memoryItem),
		maxSize:  maxSize,
		stopChan: make(chan struct{}),
	}

	// Start cleanup goroutine
	go mc.cleanupLoop()

	return mc
}

// Get retrieves a value from memory cache
func (mc *MemoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	item, exists := mc.items[key]
	if !exists {
		mc.misses++
		return nil, ErrCacheMiss
	}

	// Check if item has expired
	if time.Now().After(item.expiration) {
		delete(mc.items, key)
		mc.misses++
		return nil, ErrCacheMiss
	}

	item.accessed = time.Now()
	mc.hits++
	return item.value, nil
}

// Set stores a value in memory cache
func (mc *MemoryCache) Set(ctx context.Context, key string, value []byte, expiration time.Duration) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	// Check if we need to evict items
	if _, exists := mc.items[key]; !exists && len(mc.items) >= mc.maxSize {
		mc.evictLRU()
	}

	if expiration <= 0 {
		expiration = 24 * time.Hour // Default 24 hour expiration
	}

	now := time.Now()
	mc.items[key] = &memoryItem{
		value:      append([]byte(nil), value...),
		expiration: now.Add(expiration),
		accessed:   now,
	}

	return nil
}

// Delete removes a value from memory cache
func (mc *MemoryCache) Delete(ctx context.Context, key string) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	delete(mc.items, key)
	return nil
}

// GetStats returns memory cache statistics
func (mc *MemoryCache) GetStats() *MemoryCacheStats {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	return &MemoryCacheStats{
		ItemCount:     len(mc.items),
		MaxSize:       mc.maxSize,
		HitCount:      mc.hits,
		MissCount:     mc.misses,
		EvictionCount: mc.evictions,
	}
}

// Size returns the current number of items in the cache
func (mc *MemoryCache) Size() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	return len(mc.items)
}

// evictLRU evicts the least recently used item
func (mc *MemoryCache) evictLRU() {
	var oldestKey string
	var oldestTime time.Time
	first := true

	for key, item := range mc.items {
		if first || item.accessed.Before(oldestTime) {
			oldestKey = key
			oldestTime = item.accessed
			first = false
		}
	}

	if !first {
		delete(mc.items, oldestKey)
		mc.evictions++
	}
}

// cleanupLoop runs periodic cleanup of expired items
func (mc *MemoryCache) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			mc.cleanup()
		case <-mc.stopChan:
			return
		}
	}
}

// cleanup removes expired items
func (mc *MemoryCache) cleanup() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	now := time.Now()
	for key, item := range mc.items {
		if now.After(item.expiration) {
			delete(mc.items, key)
		}
	}
}

// Close closes the memory cache
func (mc *MemoryCache) Close() error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if !mc.stopped {
		close(mc.stopChan)
		mc.stopped = true
	}

	return nil
}
