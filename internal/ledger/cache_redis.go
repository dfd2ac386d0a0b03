package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisCmdable is the subset of go-redis used by RedisCache.
// *redis.Client satisfies it.
type redisCmdable interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// RedisCache shares ledger reads across server instances.
type RedisCache struct {
	client redisCmdable
	prefix string
	ttl    time.Duration
}

// NewRedisCache creates a RedisCache. Keys are stored under "crimeledger:anchor:".
func NewRedisCache(client redisCmdable, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, prefix: "crimeledger:anchor:", ttl: ttl}
}

// NewRedisClient dials a go-redis client for the cache.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return b, true, nil
}

// Set implements Cache.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte) error {
	if err := c.client.Set(ctx, c.prefix+key, value, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
