// Package depthcache keeps the latest aggregated depth view of each book in
// Redis so read traffic never touches the matching path.
package depthcache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"fenrir/domain/book"
)

type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

func New(addr, password string, db int, ttl time.Duration) *Cache {
	return &Cache{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		ttl: ttl,
	}
}

func key(instrument string) string { return "depth:" + instrument }

func (c *Cache) SetDepth(ctx context.Context, instrument string, d *book.Depth) error {
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key(instrument), b, c.ttl).Err()
}

// GetDepth returns the cached depth, or (nil, nil) on a cache miss.
func (c *Cache) GetDepth(ctx context.Context, instrument string) (*book.Depth, error) {
	b, err := c.client.Get(ctx, key(instrument)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var d book.Depth
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *Cache) Close() error {
	return c.client.Close()
}
