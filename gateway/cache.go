package gateway

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// cacheEntry pairs a permission decision with its expiry.
type cacheEntry struct {
	check   PermissionCheck
	expires time.Time
}

// permissionCache caches permission decisions with asymmetric TTLs:
// approvals are served longer than denials so a revoked permission is
// re-checked quickly while steady-state approvals stay cheap. Eviction
// is insertion-order FIFO; expiry is lazy, on read.
type permissionCache struct {
	mu          sync.Mutex
	entries     map[uint64]cacheEntry
	order       []uint64
	capacity    int
	ttlApproved time.Duration
	ttlDenied   time.Duration
	now         func() time.Time
}

func newPermissionCache(capacity int, ttlApproved, ttlDenied time.Duration) *permissionCache {
	return &permissionCache{
		entries:     make(map[uint64]cacheEntry),
		capacity:    capacity,
		ttlApproved: ttlApproved,
		ttlDenied:   ttlDenied,
		now:         time.Now,
	}
}

func cacheKey(actor, resource, permType string) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(actor)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(resource)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(permType)
	return h.Sum64()
}

func (c *permissionCache) get(key uint64) (PermissionCheck, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return PermissionCheck{}, false
	}
	if c.now().After(entry.expires) {
		c.removeLocked(key)
		return PermissionCheck{}, false
	}
	return entry.check, true
}

// removeLocked deletes an entry and its order slot. Keeping the two in
// sync is what makes the front of order the true oldest entry.
func (c *permissionCache) removeLocked(key uint64) {
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *permissionCache) put(key uint64, check PermissionCheck) {
	ttl := c.ttlDenied
	if check.Allowed {
		ttl = c.ttlApproved
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists {
		for len(c.entries) >= c.capacity && len(c.order) > 0 {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
		c.order = append(c.order, key)
	}
	c.entries[key] = cacheEntry{check: check, expires: c.now().Add(ttl)}
}

// CacheStats describes the permission cache contents.
type CacheStats struct {
	Entries int
	Valid   int
	Expired int
}

func (c *permissionCache) stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := CacheStats{Entries: len(c.entries)}
	now := c.now()
	for _, e := range c.entries {
		if now.After(e.expires) {
			s.Expired++
		} else {
			s.Valid++
		}
	}
	return s
}
