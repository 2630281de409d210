// Package relay implements the network message cache and the relay
// decision of Mesh Profile Section 3.4.6.
//
// The message cache suppresses repeated processing and relay loops of a
// frame that arrives over several paths. It is independent of the replay
// cache, which enforces sequence freshness per source.
package relay

import (
	"sync"
	"time"

	"github.com/backkem/btmesh/pkg/mesh"
	"github.com/jellydator/ttlcache/v3"
)

// Cache defaults.
const (
	DefaultCacheCapacity = 256
	DefaultCacheTTL      = 30 * time.Second
)

// CacheKey identifies one network PDU.
type CacheKey struct {
	Src mesh.Address
	Seq mesh.SequenceNumber
	Dst mesh.Address
}

// CacheConfig configures a MessageCache.
type CacheConfig struct {
	// Capacity bounds the number of entries; the oldest entry is evicted
	// first. Default: 256.
	Capacity int

	// TTL expires entries after this long. Default: 30s. Negative
	// disables expiry.
	TTL time.Duration
}

func (c *CacheConfig) applyDefaults() {
	if c.Capacity <= 0 {
		c.Capacity = DefaultCacheCapacity
	}
	if c.TTL == 0 {
		c.TTL = DefaultCacheTTL
	}
}

// MessageCache is a bounded set of recently seen network PDUs.
//
// Thread-safe for concurrent access.
type MessageCache struct {
	mu    sync.Mutex
	items *ttlcache.Cache[CacheKey, struct{}]
}

// NewMessageCache creates a message cache.
func NewMessageCache(config CacheConfig) *MessageCache {
	config.applyDefaults()
	ttl := config.TTL
	if ttl < 0 {
		ttl = ttlcache.NoTTL
	}
	return &MessageCache{
		items: ttlcache.New[CacheKey, struct{}](
			ttlcache.WithTTL[CacheKey, struct{}](ttl),
			ttlcache.WithCapacity[CacheKey, struct{}](uint64(config.Capacity)),
			ttlcache.WithDisableTouchOnHit[CacheKey, struct{}](),
		),
	}
}

// Seen reports whether key is already cached and inserts it if not. The
// check and the insert are atomic, so of two concurrent calls with one key
// exactly one returns false.
func (c *MessageCache) Seen(key CacheKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.items.Get(key) != nil {
		return true
	}
	c.items.Set(key, struct{}{}, ttlcache.DefaultTTL)
	return false
}

// Contains reports whether key is cached without inserting it.
func (c *MessageCache) Contains(key CacheKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items.Get(key) != nil
}

// Len returns the number of cached entries, expired ones included until
// they are evicted.
func (c *MessageCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items.Len()
}

// Reset empties the cache.
func (c *MessageCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items.DeleteAll()
}
