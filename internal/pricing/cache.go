package pricing

import (
	"context"
	"errors"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// CacheTier is one level of the quote cache. Get returns (nil, nil) on a miss;
// freshness against the tier's TTL is judged by the aggregator from StoredAt.
type CacheTier interface {
	Get(ctx context.Context, address string) (*cacheEntry, error)
	Set(ctx context.Context, address string, entry *cacheEntry, ttl time.Duration) error
}

// LocalCache is the in-process L1 tier backed by bigcache. Bigcache evicts on
// a single global life window, so it is sized to the longest TTL stored here
// and the aggregator filters anything older than the tier TTL.
type LocalCache struct {
	cache *bigcache.BigCache
}

func NewLocalCache(life time.Duration, maxMB int) (*LocalCache, error) {
	cfg := bigcache.DefaultConfig(life)
	cfg.HardMaxCacheSize = maxMB
	cfg.CleanWindow = time.Minute
	c, err := bigcache.New(context.Background(), cfg)
	if err != nil {
		return nil, err
	}
	return &LocalCache{cache: c}, nil
}

func (c *LocalCache) Get(_ context.Context, address string) (*cacheEntry, error) {
	data, err := c.cache.Get(address)
	if err != nil {
		if errors.Is(err, bigcache.ErrEntryNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var entry cacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (c *LocalCache) Set(_ context.Context, address string, entry *cacheEntry, _ time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.cache.Set(address, data)
}

// SharedCache is the Redis-backed L2 tier shared across processes.
type SharedCache struct {
	client *redis.Client
	prefix string
}

func NewSharedCache(client *redis.Client) *SharedCache {
	return &SharedCache{client: client, prefix: "price:"}
}

func (c *SharedCache) Get(ctx context.Context, address string) (*cacheEntry, error) {
	data, err := c.client.Get(ctx, c.prefix+address).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var entry cacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (c *SharedCache) Set(ctx context.Context, address string, entry *cacheEntry, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.prefix+address, data, ttl).Err()
}
