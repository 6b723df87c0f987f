// Package jidcache maps overlay node ids to the transport-level address used
// to reach them over the signalling plane, with a bounded entry lifetime.
package jidcache

import (
	"sync"
	"time"
)

// DefaultExpiry is the default entry lifetime, the same as the signalling
// plane's default cache expiry.
const DefaultExpiry = 60 * time.Second

type entry struct {
	address string
	ts      time.Time
}

// Cache is a mutex-guarded node-id to address map. Entries older than the
// configured expiry are treated as absent and removed on next access. It is
// safe for concurrent use.
type Cache struct {
	mu     sync.RWMutex
	expiry time.Duration
	data   map[string]entry
}

// New creates a Cache with the given entry expiry. If expiry is zero,
// DefaultExpiry is used.
func New(expiry time.Duration) *Cache {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	return &Cache{
		expiry: expiry,
		data:   make(map[string]entry),
	}
}

// Add records address as the current location of nodeID and returns the
// timestamp of the insertion.
func (c *Cache) Add(nodeID, address string) time.Time {
	ts := time.Now()
	c.mu.Lock()
	c.data[nodeID] = entry{address: address, ts: ts}
	c.mu.Unlock()
	return ts
}

// Lookup returns the address for nodeID, if present and not expired. A
// lookup that finds an expired entry removes it as a side effect.
func (c *Cache) Lookup(nodeID string) (string, bool) {
	c.mu.RLock()
	e, ok := c.data[nodeID]
	c.mu.RUnlock()

	if !ok {
		return "", false
	}
	if time.Since(e.ts) < c.expiry {
		return e.address, true
	}

	c.mu.Lock()
	delete(c.data, nodeID)
	c.mu.Unlock()
	return "", false
}

// Scavenge removes every entry older than the configured expiry and reports
// how many entries were removed.
func (c *Cache) Scavenge() int {
	cutoff := time.Now().Add(-c.expiry)

	c.mu.Lock()
	defer c.mu.Unlock()

	var removed int
	for k, e := range c.data {
		if e.ts.Before(cutoff) {
			delete(c.data, k)
			removed++
		}
	}
	return removed
}

// NodeIDs returns every node id currently cached, including ones that may be
// expired but not yet scavenged by the next maintenance tick. It is used to
// derive the live peer set a topology rebuild reasons about, since presence
// announcements are the only membership signal the signalling plane offers.
func (c *Cache) NodeIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.data))
	for id := range c.data {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of entries currently held, including ones that may
// be expired but not yet scavenged.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
