package execution

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// cacheEntry pairs an expiry with the stored client order ID, so a
// duplicate lookup can hand back the original submission's reference
// (spec section 4.6's {duplicate:true, original_order:X}).
type cacheEntry struct {
	expiry time.Time
	value  string
}

// MemoryIntentCache is the default IntentCache: an in-process map with
// lazy TTL eviction, adequate for a single-process deployment.
type MemoryIntentCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

func NewMemoryIntentCache() *MemoryIntentCache {
	return &MemoryIntentCache{entries: make(map[string]cacheEntry)}
}

func (c *MemoryIntentCache) SeenOrStore(ctx context.Context, id, value string, ttl time.Duration) (bool, string, error) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[id]; ok && now.Before(e.expiry) {
		return true, e.value, nil
	}
	c.entries[id] = cacheEntry{expiry: now.Add(ttl), value: value}
	if len(c.entries)%256 == 0 {
		for k, e := range c.entries {
			if now.After(e.expiry) {
				delete(c.entries, k)
			}
		}
	}
	return false, "", nil
}

// RedisIntentCache backs the dedup cache with Redis SETNX-with-TTL, so
// multiple orchestrator processes sharing a venue account cannot double
// submit the same intent -- grounded on the teacher's Redis order tracker,
// which uses the identical SETNX/expire idiom for submitted-order keys.
type RedisIntentCache struct {
	client *redis.Client
	prefix string
}

func NewRedisIntentCache(client *redis.Client) *RedisIntentCache {
	return &RedisIntentCache{client: client, prefix: "spottrader:intent:"}
}

func (c *RedisIntentCache) SeenOrStore(ctx context.Context, id, value string, ttl time.Duration) (bool, string, error) {
	ok, err := c.client.SetNX(ctx, c.prefix+id, value, ttl).Result()
	if err != nil {
		return false, "", err
	}
	if ok {
		// SetNX returns true when the key was newly set, i.e. not a duplicate.
		return false, "", nil
	}
	existing, err := c.client.Get(ctx, c.prefix+id).Result()
	if err != nil {
		return true, "", err
	}
	return true, existing, nil
}
