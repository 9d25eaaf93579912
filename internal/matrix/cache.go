package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Cache stores matrices by normalized coordinate key. Failures are treated
// as misses.
type Cache interface {
	Get(ctx context.Context, key string) (*Matrix, bool)
	Set(ctx context.Context, key string, m *Matrix, ttl time.Duration)
}

type memoryEntry struct {
	m       *Matrix
	expires time.Time
}

// MemoryCache is a process-local TTL cache.
type MemoryCache struct {
	mu    sync.Mutex
	items map[string]memoryEntry
	max   int
	now   func() time.Time
}

func NewMemoryCache(max int) *MemoryCache {
	if max <= 0 {
		max = 1024
	}
	return &MemoryCache{items: map[string]memoryEntry{}, max: max, now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, key string) (*Matrix, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items[key]
	if !ok {
		return nil, false
	}
	if !c.now().Before(e.expires) {
		delete(c.items, key)
		return nil, false
	}
	return e.m.Clone(), true
}

func (c *MemoryCache) Set(_ context.Context, key string, m *Matrix, ttl time.Duration) {
	if ttl <= 0 || m == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if len(c.items) >= c.max {
		for k, e := range c.items {
			if !now.Before(e.expires) {
				delete(c.items, k)
			}
		}
		// still full: drop an arbitrary entry
		for k := range c.items {
			if len(c.items) < c.max {
				break
			}
			delete(c.items, k)
		}
	}
	c.items[key] = memoryEntry{m: m.Clone(), expires: now.Add(ttl)}
}

// RedisCache shares matrices across replicas with SET ... EX.
type RedisCache struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisCache(rdb *redis.Client) *RedisCache {
	return &RedisCache{rdb: rdb, prefix: "dispatch:"}
}

func (c *RedisCache) Get(ctx context.Context, key string) (*Matrix, bool) {
	b, err := c.rdb.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Printf("matrix cache: redis get: %v", err)
		}
		return nil, false
	}
	var m Matrix
	if err := json.Unmarshal(b, &m); err != nil {
		log.Printf("matrix cache: decode %s: %v", key, err)
		return nil, false
	}
	return &m, true
}

func (c *RedisCache) Set(ctx context.Context, key string, m *Matrix, ttl time.Duration) {
	if ttl <= 0 || m == nil {
		return
	}
	b, err := json.Marshal(m)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, c.prefix+key, b, ttl).Err(); err != nil {
		log.Printf("matrix cache: redis set: %v", err)
	}
}
