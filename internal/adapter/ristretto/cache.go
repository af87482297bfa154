// Package ristretto keeps recorded Idempotency-Key responses in process
// memory. It is the L1 in front of the shared NATS KV bucket, or the only
// level when NATS is off.
package ristretto

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// Cache holds replay records keyed by idempotency cache key. A record costs
// its size in bytes.
type Cache struct {
	store   *ristretto.Cache[string, []byte]
	maxCost int64
}

// New sizes the cache to hold at most maxCostBytes of records.
func New(maxCostBytes int64) (*Cache, error) {
	store, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: max(maxCostBytes/100*10, 1000), // ~10x expected items
		MaxCost:     maxCostBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("ristretto: %w", err)
	}
	return &Cache{store: store, maxCost: maxCostBytes}, nil
}

func (c *Cache) Get(_ context.Context, key string) ([]byte, bool, error) {
	val, ok := c.store.Get(key)
	if !ok {
		return nil, false, nil
	}
	return val, true, nil
}

// Set waits for the write buffer to drain so a retry arriving right after
// the first response is replayed. A record larger than the whole cache is
// refused with an error instead of being dropped silently.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	cost := int64(len(value))
	if cost > c.maxCost {
		return fmt.Errorf("ristretto: record of %d bytes exceeds cache size %d", cost, c.maxCost)
	}
	c.store.SetWithTTL(key, value, cost, ttl)
	c.store.Wait()
	return nil
}

func (c *Cache) Delete(_ context.Context, key string) error {
	c.store.Del(key)
	return nil
}

// Close stops the cache's background goroutines.
func (c *Cache) Close() {
	c.store.Close()
}
