package oracle

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache holds the latest quote per crop. Freshness is judged by the
// oracle, not the cache.
type Cache interface {
	Get(ctx context.Context, crop string) (Quote, bool)
	Set(ctx context.Context, q Quote)
}

// MemoryCache is the in-process cache. It is the only state shared between
// concurrent SMS requests.
type MemoryCache struct {
	mu     sync.RWMutex
	quotes map[string]Quote
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{quotes: make(map[string]Quote)}
}

func (c *MemoryCache) Get(_ context.Context, crop string) (Quote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.quotes[crop]
	return q, ok
}

func (c *MemoryCache) Set(_ context.Context, q Quote) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quotes[q.Crop] = q
}

// RedisClient is the subset of go-redis commands RedisCache uses.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// RedisCache shares quotes between engine instances. Entries expire after
// ttl, normally the freshness window.
type RedisCache struct {
	rdb RedisClient
	ttl time.Duration
}

func NewRedisCache(rdb RedisClient, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, crop string) (Quote, bool) {
	data, err := c.rdb.Get(ctx, priceKey(crop)).Bytes()
	if err != nil {
		return Quote{}, false
	}
	var q Quote
	if json.Unmarshal(data, &q) != nil {
		return Quote{}, false
	}
	return q, true
}

func (c *RedisCache) Set(ctx context.Context, q Quote) {
	if data, err := json.Marshal(q); err == nil {
		c.rdb.Set(ctx, priceKey(q.Crop), data, c.ttl)
	}
}

func priceKey(crop string) string { return "oracle:price:" + crop }
