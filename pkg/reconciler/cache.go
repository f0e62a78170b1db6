// SPDX-License-Identifier: AGPL-3.0-only

package reconciler

import (
	"container/list"
	"sync"
	"time"
)

// lookupCache remembers email -> document path resolutions per organization
// so repeated bursts for the same org skip the bulk `in` queries. Entries
// expire after ttl (an entry at exactly ttl is expired) and the cache is
// byte-bounded: when the estimated size exceeds maxBytes, the least
// recently populated entries are evicted.
type lookupCache struct {
	mtx      sync.Mutex
	ttl      time.Duration
	maxBytes int64
	bytes    int64

	entries map[string]*list.Element
	// order holds entries in population order, oldest at the front.
	order list.List

	now func() time.Time
}

type cacheEntry struct {
	key         string
	path        string
	populatedAt time.Time
	size        int64
}

func newLookupCache(ttl time.Duration, maxBytes int64) *lookupCache {
	return &lookupCache{
		ttl:      ttl,
		maxBytes: maxBytes,
		entries:  map[string]*list.Element{},
		now:      time.Now,
	}
}

func cacheKey(orgID, email string) string {
	return orgID + "\x00" + email
}

// entrySize approximates the in-memory footprint of an entry: the key, the
// path and fixed bookkeeping overhead.
func entrySize(key, path string) int64 {
	const overhead = 64
	return int64(len(key) + len(path) + overhead)
}

func (c *lookupCache) get(orgID, email string) (string, bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	elem, ok := c.entries[cacheKey(orgID, email)]
	if !ok {
		return "", false
	}
	entry := elem.Value.(*cacheEntry)
	if c.now().Sub(entry.populatedAt) >= c.ttl {
		c.removeLocked(elem)
		return "", false
	}
	return entry.path, true
}

func (c *lookupCache) put(orgID, email, path string) {
	key := cacheKey(orgID, email)

	c.mtx.Lock()
	defer c.mtx.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.removeLocked(elem)
	}

	entry := &cacheEntry{key: key, path: path, populatedAt: c.now(), size: entrySize(key, path)}
	c.entries[key] = c.order.PushBack(entry)
	c.bytes += entry.size

	for c.bytes > c.maxBytes && c.order.Len() > 0 {
		c.removeLocked(c.order.Front())
	}
}

func (c *lookupCache) removeLocked(elem *list.Element) {
	entry := elem.Value.(*cacheEntry)
	c.order.Remove(elem)
	delete(c.entries, entry.key)
	c.bytes -= entry.size
}

func (c *lookupCache) len() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.order.Len()
}

// flush drops all entries. Called on shutdown.
func (c *lookupCache) flush() {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.entries = map[string]*list.Element{}
	c.order.Init()
	c.bytes = 0
}
