package ticket

import (
	"sync"
	"time"

	"github.com/alapierre/go-afip-client/afip"
	"github.com/jonboulle/clockwork"
)

// DefaultCacheTTL bounds how long a ticket is served from memory before the
// ticket store is read again.
const DefaultCacheTTL = 5 * time.Minute

type cacheEntry struct {
	ticket    *afip.Ticket
	fetchedAt time.Time
}

// cache keeps the last ticket per tenant. Entries lapse after ttl regardless of
// the ticket's own expiration. Every put and invalidate advances the tenant's
// generation.
type cache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	clock   clockwork.Clock
	entries map[string]cacheEntry
	gens    map[string]uint64
}

func newCache(ttl time.Duration, clock clockwork.Clock) *cache {
	return &cache{
		ttl:     ttl,
		clock:   clock,
		entries: make(map[string]cacheEntry),
		gens:    make(map[string]uint64),
	}
}

func (c *cache) get(tenant string) (*afip.Ticket, bool) {
	c.mu.RLock()
	e, ok := c.entries[tenant]
	c.mu.RUnlock()
	if !ok || c.lapsed(e) {
		return nil, false
	}
	return e.ticket, true
}

func (c *cache) generation(tenant string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gens[tenant]
}

func (c *cache) put(tenant string, t *afip.Ticket) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[tenant] = cacheEntry{ticket: t, fetchedAt: c.clock.Now()}
	c.gens[tenant]++
}

// putIf stores t only if nothing was put or invalidated for tenant since gen
// was read.
func (c *cache) putIf(tenant string, t *afip.Ticket, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[tenant] != gen {
		return false
	}
	c.entries[tenant] = cacheEntry{ticket: t, fetchedAt: c.clock.Now()}
	c.gens[tenant]++
	return true
}

func (c *cache) invalidate(tenant string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, tenant)
	c.gens[tenant]++
}

// purge drops lapsed entries and returns how many were removed.
func (c *cache) purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.entries {
		if c.lapsed(e) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

func (c *cache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *cache) lapsed(e cacheEntry) bool {
	return c.ttl > 0 && !c.clock.Now().Before(e.fetchedAt.Add(c.ttl))
}
