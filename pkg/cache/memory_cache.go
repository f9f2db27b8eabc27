package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// MemoryCache implements an in-memory cache with LRU eviction and TTL.
type MemoryCache struct {
	config    Config
	mu        sync.Mutex
	entries   map[string]*list.Element
	lru       *list.List // front = most recently used
	stats     Stats
	closeChan chan struct{}
	closeOnce sync.Once
	cleanupWG sync.WaitGroup
}

type memoryEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// NewMemoryCache creates a new in-memory cache.
func NewMemoryCache(config Config) (*MemoryCache, error) {
	if config.CleanupInterval == 0 {
		config.CleanupInterval = time.Minute
	}

	cache := &MemoryCache{
		config:    config,
		entries:   make(map[string]*list.Element),
		lru:       list.New(),
		closeChan: make(chan struct{}),
	}

	cache.cleanupWG.Add(1)
	go cache.cleanupRoutine()

	return cache, nil
}

func (c *MemoryCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, exists := c.entries[key]
	if !exists {
		c.stats.Misses++
		return nil, false, nil
	}

	entry := elem.Value.(*memoryEntry)
	if entry.expired(time.Now()) {
		c.removeLocked(elem)
		c.stats.Misses++
		return nil, false, nil
	}

	c.lru.MoveToFront(elem)
	c.stats.Hits++
	c.stats.LastAccess = time.Now()

	// Copy so callers cannot mutate the stored bytes.
	value := make([]byte, len(entry.value))
	copy(value, entry.value)
	return value, true, nil
}

func (c *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.config.DefaultTTL
	}
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	stored := make([]byte, len(value))
	copy(stored, value)

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, exists := c.entries[key]; exists {
		entry := elem.Value.(*memoryEntry)
		entry.value = stored
		entry.expiresAt = expiresAt
		c.lru.MoveToFront(elem)
	} else {
		elem := c.lru.PushFront(&memoryEntry{key: key, value: stored, expiresAt: expiresAt})
		c.entries[key] = elem
	}

	c.stats.Sets++
	c.stats.Size = int64(len(c.entries))

	// Evict least recently used entries past the cap.
	if c.config.MaxEntries > 0 {
		for len(c.entries) > c.config.MaxEntries {
			oldest := c.lru.Back()
			if oldest == nil {
				break
			}
			c.removeLocked(oldest)
		}
	}
	return nil
}

func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, exists := c.entries[key]; exists {
		c.removeLocked(elem)
	}
	return nil
}

func (c *MemoryCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*list.Element)
	c.lru.Init()
	c.stats.Size = 0
	return nil
}

func (c *MemoryCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Size = int64(len(c.entries))
	return stats
}

func (c *MemoryCache) Close() error {
	c.closeOnce.Do(func() {
		close(c.closeChan)
	})
	c.cleanupWG.Wait()
	return nil
}

func (c *MemoryCache) removeLocked(elem *list.Element) {
	entry := elem.Value.(*memoryEntry)
	delete(c.entries, entry.key)
	c.lru.Remove(elem)
	c.stats.Size = int64(len(c.entries))
}

func (c *MemoryCache) cleanupRoutine() {
	defer c.cleanupWG.Done()

	ticker := time.NewTicker(c.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closeChan:
			return
		case <-ticker.C:
			c.removeExpired()
		}
	}
}

func (c *MemoryCache) removeExpired() {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, elem := range c.entries {
		if elem.Value.(*memoryEntry).expired(now) {
			delete(c.entries, key)
			c.lru.Remove(elem)
		}
	}
	c.stats.Size = int64(len(c.entries))
}
