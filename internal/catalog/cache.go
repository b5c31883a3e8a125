package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/klinik-promo/internal/lineitem"
)

// Cache wraps Redis helpers for JSON payloads.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewCache constructs a cache helper. A nil client disables caching.
func NewCache(client *redis.Client, ttl time.Duration, prefix string) *Cache {
	if prefix == "" {
		prefix = "catalog:item:"
	}
	return &Cache{client: client, ttl: ttl, prefix: prefix}
}

// GetJSON unmarshals a cached JSON payload into dst. It reports whether the key existed.
func (c *Cache) GetJSON(ctx context.Context, key string, dst any) (bool, error) {
	if c == nil || c.client == nil || key == "" {
		return false, nil
	}
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, err
	}
	return true, nil
}

// SetJSON serialises v as JSON and stores it with the configured TTL.
func (c *Cache) SetJSON(ctx context.Context, key string, v any) error {
	if c == nil || c.client == nil || key == "" || c.ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.prefix+key, data, c.ttl).Err()
}

// CachedLookup serves item details from Redis before falling back to Next.
// Cache failures are logged and bypassed; misses are never cached.
type CachedLookup struct {
	Next   Lookup
	Cache  *Cache
	Logger zerolog.Logger
}

// ItemDetails implements Lookup.
func (c CachedLookup) ItemDetails(ctx context.Context, itemType lineitem.ItemType, itemID string) (Item, error) {
	if c.Next == nil {
		return Item{}, errors.New("catalog: lookup not configured")
	}
	key := string(itemType) + ":" + itemID
	var cached Item
	ok, err := c.Cache.GetJSON(ctx, key, &cached)
	if err != nil {
		c.Logger.Warn().Err(err).Str("key", key).Msg("catalog cache read failed")
	}
	if ok {
		return cached, nil
	}
	item, err := c.Next.ItemDetails(ctx, itemType, itemID)
	if err != nil {
		return Item{}, err
	}
	if err := c.Cache.SetJSON(ctx, key, item); err != nil {
		c.Logger.Warn().Err(err).Str("key", key).Msg("catalog cache write failed")
	}
	return item, nil
}
