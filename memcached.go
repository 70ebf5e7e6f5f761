package sharedsession

import (
	"context"
	"strconv"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/cockroachdb/errors"
)

// MemcachedCache implements Cache on Memcached.
type MemcachedCache struct {
	client *memcache.Client
}

// MemcachedConfig holds configuration for the Memcached cache.
type MemcachedConfig struct {
	Servers []string
	Timeout time.Duration // Timeout for Memcached operations. 0 means no timeout.
}

// NewMemcachedCache creates a MemcachedCache with a 1 second operation timeout.
func NewMemcachedCache(servers ...string) *MemcachedCache {
	return NewMemcachedCacheWithConfig(MemcachedConfig{
		Servers: servers,
		// Do not hang requests on an unreachable cache.
		Timeout: 1 * time.Second,
	})
}

// NewMemcachedCacheWithConfig creates a MemcachedCache with custom configuration.
func NewMemcachedCacheWithConfig(cfg MemcachedConfig) *MemcachedCache {
	client := memcache.New(cfg.Servers...)
	client.Timeout = cfg.Timeout
	return &MemcachedCache{client: client}
}

func (c *MemcachedCache) Get(ctx context.Context, key string) ([]byte, error) {
	item, err := c.client.Get(key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get from memcached")
	}
	return item.Value, nil
}

func (c *MemcachedCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := c.client.Set(&memcache.Item{
		Key:        key,
		Value:      value,
		Expiration: calculateMemcachedExpiration(time.Now(), ttl),
	})
	if err != nil {
		return errors.Wrap(err, "failed to save to memcached")
	}
	return nil
}

func (c *MemcachedCache) Delete(ctx context.Context, key string) error {
	err := c.client.Delete(key)
	if err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		return errors.Wrap(err, "failed to delete from memcached")
	}
	return nil
}

func (c *MemcachedCache) Incr(ctx context.Context, key string) (uint64, error) {
	for attempt := 0; attempt < 3; attempt++ {
		n, err := c.client.Increment(key, 1)
		if err == nil {
			return n, nil
		}
		if !errors.Is(err, memcache.ErrCacheMiss) {
			return 0, errors.Wrap(err, "failed to increment in memcached")
		}
		// Counter missing: create it. Losing the Add race to another
		// instance means the key now exists, so increment again.
		err = c.client.Add(&memcache.Item{Key: key, Value: []byte(strconv.Itoa(1))})
		if err == nil {
			return 1, nil
		}
		if !errors.Is(err, memcache.ErrNotStored) {
			return 0, errors.Wrap(err, "failed to create counter in memcached")
		}
	}
	return 0, errors.Newf("failed to increment %q in memcached: too much contention", key)
}

// Close is a no-op for Memcached client.
func (c *MemcachedCache) Close() error {
	return nil
}

// calculateMemcachedExpiration calculates the expiration value for Memcached.
// Memcached treats values > 30 days (60*60*24*30 seconds) as absolute Unix timestamps.
// Values <= 30 days are treated as a delta from the current time.
func calculateMemcachedExpiration(now time.Time, ttl time.Duration) int32 {
	const maxDelta = 30 * 24 * 60 * 60 // 30 days in seconds

	// Past 30 days a delta would be read as a timestamp in 1970 (expired).
	if ttl > maxDelta*time.Second {
		return int32(now.Add(ttl).Unix())
	}
	if ttl < 0 {
		return 0
	}
	return int32(ttl.Seconds())
}
