package ruvector

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// SearchCache is an optional result cache keyed by the search request,
// exposed through BatchSearch's CacheStats. Nil-safe — a
// VectorOperations with no cache wired in always reports a miss.
type SearchCache interface {
	Get(ctx context.Context, key string) ([]SearchResult, bool, error)
	Set(ctx context.Context, key string, results []SearchResult, ttl time.Duration) error
}

// RedisSearchCache stores serialized search results in Redis, the
// cache backend the rest of the retrieval pack reaches for (go-redis),
// exercised in tests against miniredis rather than a live server.
type RedisSearchCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisSearchCache builds a cache slot around an existing redis
// client. ttl of zero means entries never expire.
func NewRedisSearchCache(client *redis.Client, ttl time.Duration) *RedisSearchCache {
	return &RedisSearchCache{client: client, ttl: ttl}
}

func (c *RedisSearchCache) Get(ctx context.Context, key string) ([]SearchResult, bool, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("ruvector: cache get failed: %w", err)
	}
	var results []SearchResult
	if err := json.Unmarshal(raw, &results); err != nil {
		return nil, false, fmt.Errorf("ruvector: cache entry malformed: %w", err)
	}
	return results, true, nil
}

func (c *RedisSearchCache) Set(ctx context.Context, key string, results []SearchResult, ttl time.Duration) error {
	raw, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("ruvector: cache encode failed: %w", err)
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	if err := c.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("ruvector: cache set failed: %w", err)
	}
	return nil
}

// SetCache wires an optional result cache into BatchSearch. Passing
// nil disables caching again.
func (vo *VectorOperations) SetCache(cache SearchCache) {
	vo.cache = cache
}

// searchCacheKey derives a deterministic cache key from a search
// request's shape, independent of Go map iteration order.
func searchCacheKey(opts SearchOptions) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%s|%d|%v|%v", opts.Table, opts.VectorColumn, opts.Metric, opts.K, opts.QueryVector, opts.CustomWhere)
	keys := make([]string, 0, len(opts.Filter))
	for k := range opts.Filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(h, "|%s=%v", key, opts.Filter[key])
	}
	return fmt.Sprintf("ruvector:search:%x", h.Sum64())
}
