package cache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/i474232898/station-telemetry/internal/telemetry"
)

// DefaultTTL applies when a non-positive TTL is configured.
const DefaultTTL = 5 * time.Minute

// Entry is one cached snapshot with the time it was stored.
type Entry struct {
	Snapshot *telemetry.StationSnapshot
	StoredAt time.Time
}

// TTLCache is a key-addressed snapshot cache with a uniform time-to-live.
// Expiry is lazy: entries older than the TTL read as misses and are replaced
// by the next Put for the same key. It is safe for concurrent use.
type TTLCache struct {
	items *gocache.Cache
	ttl   time.Duration
	now   func() time.Time
}

// New creates a TTLCache. A nil now uses time.Now.
func New(ttl time.Duration, now func() time.Time) *TTLCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return &TTLCache{
		// No janitor: freshness is decided on read against the injected clock.
		items: gocache.New(gocache.NoExpiration, 0),
		ttl:   ttl,
		now:   now,
	}
}

// TTL returns the configured time-to-live.
func (c *TTLCache) TTL() time.Duration {
	return c.ttl
}

// Get returns the snapshot stored under key if it is younger than the TTL.
func (c *TTLCache) Get(key string) (*telemetry.StationSnapshot, bool) {
	v, ok := c.items.Get(key)
	if !ok {
		return nil, false
	}
	entry, ok := v.(Entry)
	if !ok || c.now().Sub(entry.StoredAt) >= c.ttl {
		return nil, false
	}
	return entry.Snapshot, true
}

// Put stores snap under key, replacing any previous entry.
func (c *TTLCache) Put(key string, snap *telemetry.StationSnapshot) {
	c.items.Set(key, Entry{Snapshot: snap, StoredAt: c.now()}, gocache.NoExpiration)
}

// Clear removes the given keys, or everything when called without keys.
func (c *TTLCache) Clear(keys ...string) {
	if len(keys) == 0 {
		c.items.Flush()
		return
	}
	for _, k := range keys {
		c.items.Delete(k)
	}
}

// Len returns the number of stored entries, expired or not.
func (c *TTLCache) Len() int {
	return c.items.ItemCount()
}
