package media

import (
	"sort"
	"sync"
	"time"
)

// DefaultTTL is how long an artifact stays cached after it was stored.
const DefaultTTL = 5 * time.Minute

// Artifact is one cached file. Entries are never mutated once stored; Put
// replaces the whole pointer.
type Artifact struct {
	Name     string
	Data     []byte
	StoredAt time.Time
}

// Cache is a TTL keyed store of artifact bytes. Reads run concurrently.
type Cache struct {
	mu       sync.RWMutex
	entries  map[string]*Artifact
	size     int64
	ttl      time.Duration
	maxBytes int64
	now      func() time.Time
}

// NewCache returns a cache with the given TTL. A maxBytes above zero caps the
// total cached bytes, evicting the oldest entries first.
func NewCache(ttl time.Duration, maxBytes int64) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		entries:  make(map[string]*Artifact),
		ttl:      ttl,
		maxBytes: maxBytes,
		now:      time.Now,
	}
}

// Get returns the cached bytes for name when present and unexpired.
func (c *Cache) Get(name string) ([]byte, bool) {
	c.mu.RLock()
	a, ok := c.entries[name]
	c.mu.RUnlock()
	if !ok || c.expired(a, c.now()) {
		return nil, false
	}
	return a.Data, true
}

// Put stores data under name with a fresh timestamp, then sweeps expired
// entries.
func (c *Cache) Put(name string, data []byte) {
	a := &Artifact{Name: name, Data: data, StoredAt: c.now()}

	c.mu.Lock()
	if prev, ok := c.entries[name]; ok {
		c.size -= int64(len(prev.Data))
	}
	c.entries[name] = a
	c.size += int64(len(data))
	c.mu.Unlock()

	c.Sweep()
}

// Sweep removes expired entries and, when a byte cap is set, the oldest
// entries above it. It returns the number of entries removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for name, a := range c.entries {
		if c.expired(a, now) {
			c.size -= int64(len(a.Data))
			delete(c.entries, name)
			removed++
		}
	}

	if c.maxBytes <= 0 || c.size <= c.maxBytes {
		return removed
	}

	byAge := make([]*Artifact, 0, len(c.entries))
	for _, a := range c.entries {
		byAge = append(byAge, a)
	}
	sort.Slice(byAge, func(i, j int) bool { return byAge[i].StoredAt.Before(byAge[j].StoredAt) })
	for _, a := range byAge {
		if c.size <= c.maxBytes {
			break
		}
		c.size -= int64(len(a.Data))
		delete(c.entries, a.Name)
		removed++
	}
	return removed
}

// Len returns the number of entries, including expired ones not yet swept.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) expired(a *Artifact, now time.Time) bool {
	return now.Sub(a.StoredAt) >= c.ttl
}
