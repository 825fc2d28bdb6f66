package cache

import (
	"container/list"
	"sync"
	"time"
)

// Entry represents one record in the in-process tier
type Entry struct {
	Key        string
	Payload    []byte
	StoredAt   time.Time
	TTL        time.Duration
	AccessHits int64
	Size       int

	element *list.Element
}

// Expired reports whether the entry has outlived its TTL at the given time
func (e *Entry) Expired(now time.Time) bool {
	return now.After(e.StoredAt.Add(e.TTL))
}

// LRUCache implements a thread-safe, size-bounded LRU cache with per-entry
// TTL. Stale entries are evicted lazily on lookup; RemoveExpired provides
// the periodic sweep.
type LRUCache struct {
	mu         sync.Mutex
	items      map[string]*Entry
	lruList    *list.List
	maxEntries int
	maxBytes   int
	totalBytes int
	defaultTTL time.Duration

	onEvict func(cause string)
}

// NewLRUCache creates a new LRU cache bounded by entry count and total
// payload bytes (maxBytes <= 0 disables the byte bound)
func NewLRUCache(maxEntries, maxBytes int, defaultTTL time.Duration) *LRUCache {
	return &LRUCache{
		items:      make(map[string]*Entry),
		lruList:    list.New(),
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		defaultTTL: defaultTTL,
	}
}

// SetEvictionHook installs a callback invoked per evicted entry with the
// eviction cause ("ttl" or "capacity")
func (c *LRUCache) SetEvictionHook(hook func(cause string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvict = hook
}

// Get retrieves an entry's payload, evicting it if stale
func (c *LRUCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, exists := c.items[key]
	if !exists {
		return nil, false
	}

	if item.Expired(time.Now()) {
		c.removeItem(item, "ttl")
		return nil, false
	}

	item.AccessHits++
	c.lruList.MoveToFront(item.element)

	return item.Payload, true
}

// Set stores a payload under the default TTL
func (c *LRUCache) Set(key string, payload []byte) {
	c.SetWithTTL(key, payload, c.defaultTTL)
}

// SetWithTTL stores a payload with an explicit TTL
func (c *LRUCache) SetWithTTL(key string, payload []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()

	if existing, exists := c.items[key]; exists {
		c.totalBytes += len(payload) - existing.Size
		existing.Payload = payload
		existing.Size = len(payload)
		existing.StoredAt = now
		existing.TTL = ttl
		c.lruList.MoveToFront(existing.element)
		c.evictIfNeeded()
		return
	}

	item := &Entry{
		Key:      key,
		Payload:  payload,
		StoredAt: now,
		TTL:      ttl,
		Size:     len(payload),
	}
	item.element = c.lruList.PushFront(item)
	c.items[key] = item
	c.totalBytes += item.Size

	c.evictIfNeeded()
}

// Delete removes an entry
func (c *LRUCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if item, exists := c.items[key]; exists {
		c.removeItem(item, "explicit")
	}
}

// Len returns the current number of entries
func (c *LRUCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Bytes returns the current total payload size
func (c *LRUCache) Bytes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalBytes
}

// RemoveExpired sweeps out all stale entries and returns how many were removed
func (c *LRUCache) RemoveExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	var toRemove []*Entry
	for _, item := range c.items {
		if item.Expired(now) {
			toRemove = append(toRemove, item)
		}
	}

	for _, item := range toRemove {
		c.removeItem(item, "ttl")
	}

	return len(toRemove)
}

// removeItem removes an entry (assumes lock is held)
func (c *LRUCache) removeItem(item *Entry, cause string) {
	delete(c.items, item.Key)
	c.lruList.Remove(item.element)
	c.totalBytes -= item.Size
	if c.onEvict != nil && cause != "explicit" {
		c.onEvict(cause)
	}
}

// evictIfNeeded removes LRU entries while over capacity (assumes lock is held)
func (c *LRUCache) evictIfNeeded() {
	for len(c.items) > c.maxEntries || (c.maxBytes > 0 && c.totalBytes > c.maxBytes) {
		oldest := c.lruList.Back()
		if oldest == nil {
			return
		}
		c.removeItem(oldest.Value.(*Entry), "capacity")
	}
}
